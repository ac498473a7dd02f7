// SPDX-License-Identifier: MPL-2.0

// Package stamps records completed lifecycle steps inside the build volume
// and gates later steps on them.
//
// Stamps never touch the host filesystem. Writes and reads are shell
// fragments executed in the SDK container; reads for all requirements of a
// command are batched into one container invocation and framed with a
// per-invocation nonce.
package stamps

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"time"
)

// FormatVersion is the stamp schema version.
const FormatVersion = 1

// Command is the lifecycle step a stamp certifies.
type Command string

const (
	Install   Command = "install"
	Build     Command = "build"
	Image     Command = "image"
	Sign      Command = "sign"
	Provision Command = "provision"
)

// Component is the kind of object a step ran against.
type Component string

const (
	SDK       Component = "sdk"
	Extension Component = "ext"
	Runtime   Component = "runtime"
)

type (
	// Inputs determine staleness. ConfigHash is "sha256:<hex>" over the
	// component's configuration subtree.
	Inputs struct {
		ConfigHash      string `json:"config_hash"`
		PackageListHash string `json:"package_list_hash,omitempty"`
	}

	// Outputs describe the state left behind by the step.
	Outputs struct {
		InstalledPackagesHash string `json:"installed_packages_hash,omitempty"`
		PackageCount          *int   `json:"package_count,omitempty"`
	}

	// Stamp is the on-volume record.
	Stamp struct {
		Version       int       `json:"version"`
		Command       Command   `json:"command"`
		Component     Component `json:"component"`
		ComponentName *string   `json:"component_name"`
		Target        string    `json:"target"`
		Timestamp     time.Time `json:"timestamp"`
		Success       bool      `json:"success"`
		Inputs        Inputs    `json:"inputs"`
		Outputs       Outputs   `json:"outputs"`
		CLIVersion    string    `json:"cli_version"`

		// HostArch selects the SDK stamp directory; it is not serialized
		// because the SDK stamp stores the arch in Target.
		HostArch string `json:"-"`
	}
)

// New builds a successful stamp. For SDK stamps name is ignored and target
// is recorded as the host architecture.
func New(cmd Command, comp Component, name, target string, in Inputs, out Outputs, now time.Time, cliVersion string) *Stamp {
	s := &Stamp{
		Version:    FormatVersion,
		Command:    cmd,
		Component:  comp,
		Target:     target,
		Timestamp:  now.UTC(),
		Success:    true,
		Inputs:     in,
		Outputs:    out,
		CLIVersion: cliVersion,
	}
	if comp == SDK {
		s.HostArch = target
	} else {
		s.ComponentName = &name
	}
	return s
}

// Requirement returns the requirement this stamp satisfies.
func (s *Stamp) Requirement() Requirement {
	r := Requirement{Command: s.Command, Component: s.Component}
	if s.ComponentName != nil {
		r.Name = *s.ComponentName
	}
	if s.Component == SDK {
		r.HostArch = s.HostArch
	}
	return r
}

// RelativePath is the stamp path below $AVOCADO_PREFIX/.stamps/.
func (s *Stamp) RelativePath() string {
	return s.Requirement().RelativePath()
}

// IsCurrent reports whether the stamp succeeded with the given inputs.
func (s *Stamp) IsCurrent(in Inputs) bool {
	return s.Success && s.Inputs.ConfigHash == in.ConfigHash
}

// MarshalLine encodes the stamp as a single JSON line.
func (s *Stamp) MarshalLine() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding stamp %s: %w", s.RelativePath(), err)
	}
	return string(data), nil
}

// Parse decodes a stamp document.
func Parse(data []byte) (*Stamp, error) {
	var s Stamp
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing stamp: %w", err)
	}
	if s.Component == SDK {
		s.HostArch = s.Target
	}
	return &s, nil
}

// LocalArch returns the host CPU architecture in uname -m spelling.
func LocalArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	default:
		return runtime.GOARCH
	}
}

// HashString returns "sha256:<hex>" for data.
func HashString(data string) string {
	sum := sha256.Sum256([]byte(data))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashValue hashes the JSON encoding of a configuration subtree. encoding/json
// sorts map keys, so equal trees hash equally.
func HashValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hashing configuration: %w", err)
	}
	return HashString(string(data)), nil
}
