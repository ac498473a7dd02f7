// SPDX-License-Identifier: MPL-2.0

package remote

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// LocalIPFor returns the local address the host would use to reach remote.
// It asks the kernel by connecting a UDP socket, preferring IPv4, and falls
// back to the SSH_CLIENT address the remote sees.
func LocalIPFor(ctx context.Context, ssh *SSH) (net.IP, error) {
	h := ssh.Host()
	port := h.Port
	if port == 0 {
		port = 22
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, h.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrRemoteExecution, h.Name, err)
	}
	slices.SortStableFunc(addrs, func(a, b net.IPAddr) int {
		return cmp.Compare(ipFamilyRank(a.IP), ipFamilyRank(b.IP))
	})

	var lastErr error
	var d net.Dialer
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(a.IP.String(), strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		local := conn.LocalAddr().(*net.UDPAddr).IP
		_ = conn.Close()
		return local, nil
	}

	if out, err := ssh.Output(ctx, `echo "$SSH_CLIENT" | cut -d' ' -f1`); err == nil {
		if ip := net.ParseIP(strings.TrimSpace(out)); ip != nil {
			return ip, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses")
	}
	return nil, fmt.Errorf("%w: determining route to %s: %v", ErrRemoteExecution, h.Name, lastErr)
}

func ipFamilyRank(ip net.IP) int {
	if ip.To4() != nil {
		return 0
	}
	return 1
}
