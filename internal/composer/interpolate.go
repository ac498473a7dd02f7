// SPDX-License-Identifier: MPL-2.0

package composer

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
)

const maxInterpolationPasses = 100

var placeholderRE = regexp.MustCompile(`\{\{\s*([^}]+)\s*\}\}`)

type (
	// Interpolator resolves {{ env.* }}, {{ config.* }} and {{ avocado.* }}
	// placeholders in a configuration tree.
	Interpolator struct {
		// Target is the explicitly requested target (CLI flag), if any.
		Target string
		// LookupEnv reads the process environment; nil means os.LookupEnv.
		LookupEnv func(string) (string, bool)
	}

	// resolvePass carries the per-pass state.
	resolvePass struct {
		in   *Interpolator
		root Map
	}
)

// Interpolate resolves placeholders in root in place, repeating until the
// tree stops changing.
func (in *Interpolator) Interpolate(root Map) error {
	seen := make(map[string]bool)
	for range maxInterpolationPasses {
		state, err := json.Marshal(root)
		if err != nil {
			return &Error{Kind: ConfigParse, Err: err}
		}
		if seen[string(state)] {
			return &Error{
				Kind: InterpolationCycle,
				Err:  fmt.Errorf("configuration contains templates that reference each other in a cycle"),
			}
		}
		seen[string(state)] = true

		pass := resolvePass{in: in, root: deepCopy(root).(Map)}
		changed, err := pass.walkMap(root, nil)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
	return &Error{
		Kind: InterpolationCycle,
		Err:  fmt.Errorf("placeholders did not resolve after %d passes", maxInterpolationPasses),
	}
}

func (p *resolvePass) walkMap(m Map, path []string) (bool, error) {
	changed := false
	for _, k := range sortedKeys(m) {
		nk, replaced, err := p.interpolateString(k, path, k, true)
		if err != nil {
			return false, err
		}
		if !replaced {
			continue
		}
		changed = true
		if nk != k {
			m[nk] = m[k]
			delete(m, k)
		}
	}
	for _, k := range sortedKeys(m) {
		c, err := p.walkValue(m, k, append(path, k))
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	return changed, nil
}

func (p *resolvePass) walkValue(parent Map, key string, path []string) (bool, error) {
	switch v := parent[key].(type) {
	case string:
		ns, replaced, err := p.interpolateString(v, path, "", false)
		if err != nil || !replaced {
			return false, err
		}
		parent[key] = ns
		return true, nil
	case Map:
		return p.walkMap(v, path)
	case []any:
		return p.walkSlice(v, path)
	default:
		return false, nil
	}
}

func (p *resolvePass) walkSlice(s []any, path []string) (bool, error) {
	changed := false
	for i, item := range s {
		itemPath := append(path[:len(path):len(path)], fmt.Sprintf("[%d]", i))
		switch v := item.(type) {
		case string:
			ns, replaced, err := p.interpolateString(v, itemPath, "", false)
			if err != nil {
				return false, err
			}
			if replaced {
				s[i] = ns
				changed = true
			}
		case Map:
			c, err := p.walkMap(v, itemPath)
			if err != nil {
				return false, err
			}
			changed = changed || c
		case []any:
			c, err := p.walkSlice(v, itemPath)
			if err != nil {
				return false, err
			}
			changed = changed || c
		}
	}
	return changed, nil
}

func location(path []string, key string, isKey bool) string {
	switch {
	case isKey && len(path) == 0:
		return fmt.Sprintf("key %q", key)
	case isKey:
		return fmt.Sprintf("%s.%q (key)", strings.Join(path, "."), key)
	case len(path) == 0:
		return "root value"
	default:
		return strings.Join(path, ".")
	}
}

// interpolateString replaces every resolvable placeholder in s. replaced is
// false when nothing was substituted, including placeholders kept verbatim.
func (p *resolvePass) interpolateString(s string, path []string, key string, isKey bool) (string, bool, error) {
	if !placeholderRE.MatchString(s) {
		return s, false, nil
	}
	var firstErr error
	replaced := false
	out := placeholderRE.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := strings.TrimSpace(placeholderRE.FindStringSubmatch(match)[1])
		loc := location(path, key, isKey)
		val, ok, err := p.resolve(expr, loc)
		if err != nil {
			firstErr = err
			return match
		}
		if !ok {
			return match
		}
		replaced = true
		return val
	})
	if firstErr != nil {
		return "", false, firstErr
	}
	return out, replaced, nil
}

// resolve evaluates one placeholder expression. ok is false when the
// placeholder should stay verbatim.
func (p *resolvePass) resolve(expr, loc string) (string, bool, error) {
	scope, rest, found := strings.Cut(expr, ".")
	if !found || rest == "" {
		switch scope {
		case "env", "config", "avocado":
			return "", false, &Error{
				Kind:     UnresolvedPlaceholder,
				Location: loc,
				Err:      fmt.Errorf("invalid %s template: %s", scope, expr),
			}
		}
	}
	switch scope {
	case "env":
		if v, ok := p.lookupEnv(rest); ok {
			return v, true, nil
		}
		log.Warn("environment variable not set, substituting empty string", "name", rest, "at", loc)
		return "", true, nil
	case "config":
		v, ok := lookup(p.root, strings.Split(rest, ".")...)
		if !ok {
			return "", false, &Error{
				Kind:     UnresolvedPlaceholder,
				Location: loc,
				Err:      fmt.Errorf("config path 'config.%s' not found in configuration (in template '{{ %s }}')", rest, expr),
			}
		}
		s, ok := scalarString(v)
		if !ok {
			return "", false, &Error{
				Kind:     UnresolvedPlaceholder,
				Location: loc,
				Err:      fmt.Errorf("config path 'config.%s' is not a string or number", rest),
			}
		}
		return s, true, nil
	case "avocado":
		if rest != "target" {
			return "", false, nil
		}
		t := p.target()
		return t, t != "", nil
	default:
		return "", false, &Error{
			Kind:     UnresolvedPlaceholder,
			Location: loc,
			Err:      fmt.Errorf("unknown template context: %s. Expected 'env', 'config', or 'avocado'", scope),
		}
	}
}

func (p *resolvePass) lookupEnv(name string) (string, bool) {
	if p.in.LookupEnv != nil {
		return p.in.LookupEnv(name)
	}
	return os.LookupEnv(name)
}

// target applies CLI > AVOCADO_TARGET > default_target.
func (p *resolvePass) target() string {
	if p.in.Target != "" {
		return p.in.Target
	}
	if v, ok := p.lookupEnv("AVOCADO_TARGET"); ok && v != "" {
		return v
	}
	return stringAt(p.root, "default_target")
}
