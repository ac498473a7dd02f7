// SPDX-License-Identifier: MPL-2.0

package build

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/avocado-linux/avocado-cli/internal/composer"
)

const (
	rpmGroup       = "system-extension"
	defaultRelease = "r0"
	unspecified    = "Unspecified"
)

// rpmMetadata is the header of an extension package.
type rpmMetadata struct {
	Name        string
	Version     string
	Release     string
	Summary     string
	Description string
	License     string
	Vendor      string
	Arch        string
	URL         string
}

// packageMetadata reads the RPM header fields of an extension. The version
// must be MAJOR.MINOR.PATCH with optional pre-release and build suffixes.
func packageMetadata(def *composer.Extension, target string) (rpmMetadata, error) {
	if err := validateVersion(def.Version); err != nil {
		return rpmMetadata{}, fmt.Errorf("extension '%s' has invalid version '%s': %w", def.Name, def.Version, err)
	}
	str := func(key, fallback string) string {
		if v, ok := def.Raw[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}
	return rpmMetadata{
		Name:        def.Name,
		Version:     def.Version,
		Release:     str("release", defaultRelease),
		Summary:     str("summary", summaryFor(def.Name)),
		Description: str("description", "System extension package for "+def.Name),
		License:     str("license", unspecified),
		Vendor:      str("vendor", unspecified),
		Arch:        str("arch", ArchFor(target)),
		URL:         str("url", ""),
	}, nil
}

// ArchFor is the RPM architecture extension packages get for a target.
func ArchFor(target string) string {
	return "avocado_" + strings.ReplaceAll(target, "-", "_")
}

func validateVersion(v string) error {
	core, _, _ := strings.Cut(v, "+")
	core, _, _ = strings.Cut(core, "-")
	if strings.Count(core, ".") != 2 {
		return errors.New("want MAJOR.MINOR.PATCH, e.g. 1.0.0")
	}
	if !semver.IsValid("v" + v) {
		return errors.New("not a semantic version")
	}
	return nil
}

func summaryFor(name string) string {
	words := strings.Split(name, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ") + " system extension"
}

// Filename is the name rpmbuild gives the package.
func (m rpmMetadata) Filename() string {
	return fmt.Sprintf("%s-%s-%s.%s.rpm", m.Name, m.Version, m.Release, m.Arch)
}

func (m rpmMetadata) spec() string {
	var b strings.Builder
	b.WriteString("%define _buildhost reproducible\n")
	b.WriteString("AutoReqProv: no\n\n")
	fmt.Fprintf(&b, "Name: %s\nVersion: %s\nRelease: %s\nSummary: %s\n", m.Name, m.Version, m.Release, m.Summary)
	fmt.Fprintf(&b, "License: %s\nVendor: %s\nGroup: %s\n", m.License, m.Vendor, rpmGroup)
	if m.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", m.URL)
	}
	fmt.Fprintf(&b, "\n%%description\n%s\n\n", m.Description)
	b.WriteString("%files\n/*\n\n")
	b.WriteString("%install\n")
	b.WriteString("mkdir -p %{buildroot}\n")
	b.WriteString(`tar -C "$EXT_SYSROOT" --exclude=./var/lib/rpm --exclude=./var/cache -cf - . | tar -C %{buildroot} -xpf -` + "\n\n")
	b.WriteString("%changelog")
	return b.String()
}
