// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

// ParseAssignments reads KEY=VALUE pairs as given to --env.
func ParseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment assignment '%s': expected KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

// LoadEnv merges dotenv files in order, then the assignments, later
// entries winning.
func LoadEnv(files, pairs []string) (map[string]string, error) {
	env := map[string]string{}
	for _, f := range files {
		vars, err := godotenv.Read(f)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", f, err)
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	assigned, err := ParseAssignments(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range assigned {
		env[k] = v
	}
	return env, nil
}
