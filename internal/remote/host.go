// SPDX-License-Identifier: MPL-2.0

package remote

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Host is a parsed user@host[:port] specification.
type Host struct {
	User string
	Name string
	// Port is 0 when the SSH default applies.
	Port int
}

// ParseHost parses "host", "user@host", "user@host:port" or
// "user@[::1]:port".
func ParseHost(spec string) (Host, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Host{}, fmt.Errorf("%w: remote host specification cannot be empty", ErrRemoteExecution)
	}
	var h Host
	rest := spec
	if user, after, ok := strings.Cut(spec, "@"); ok {
		if user == "" {
			return Host{}, fmt.Errorf("%w: username cannot be empty in '%s'", ErrRemoteExecution, spec)
		}
		h.User, rest = user, after
	}
	if rest == "" {
		return Host{}, fmt.Errorf("%w: hostname cannot be empty in '%s'", ErrRemoteExecution, spec)
	}

	switch {
	case strings.HasPrefix(rest, "["):
		if !strings.Contains(rest, "]:") {
			h.Name = strings.Trim(rest, "[]")
			break
		}
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Host{}, fmt.Errorf("%w: invalid host '%s': %v", ErrRemoteExecution, spec, err)
		}
		h.Name = host
		if h.Port, err = parsePort(port); err != nil {
			return Host{}, fmt.Errorf("%w: invalid port in '%s'", ErrRemoteExecution, spec)
		}
	case strings.Count(rest, ":") == 1:
		host, port, _ := strings.Cut(rest, ":")
		if host == "" {
			return Host{}, fmt.Errorf("%w: hostname cannot be empty in '%s'", ErrRemoteExecution, spec)
		}
		p, err := parsePort(port)
		if err != nil {
			return Host{}, fmt.Errorf("%w: invalid port in '%s'", ErrRemoteExecution, spec)
		}
		h.Name, h.Port = host, p
	default:
		h.Name = rest
	}
	return h, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

// Target is the ssh destination, user@host or host.
func (h Host) Target() string {
	if h.User == "" {
		return h.Name
	}
	return h.User + "@" + h.Name
}

// String renders the host as it was specified.
func (h Host) String() string {
	t := h.Target()
	if h.Port == 0 {
		return t
	}
	name := h.Name
	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	if h.User != "" {
		name = h.User + "@" + name
	}
	return name + ":" + strconv.Itoa(h.Port)
}

// IsLocal reports whether the host is this machine.
func (h Host) IsLocal() bool {
	switch h.Name {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
