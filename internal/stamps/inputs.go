// SPDX-License-Identifier: MPL-2.0

package stamps

// SDKInputs hashes the SDK section fields that affect an SDK install.
func SDKInputs(sdk map[string]any) (Inputs, error) {
	h, err := HashValue(map[string]any{
		"sdk.packages":     sdk["packages"],
		"sdk.image":        sdk["image"],
		"sdk.repo_url":     sdk["repo_url"],
		"sdk.repo_release": sdk["repo_release"],
	})
	return Inputs{ConfigHash: h}, err
}

// ExtInputs hashes an extension's packages and types.
func ExtInputs(name string, ext map[string]any) (Inputs, error) {
	h, err := HashValue(map[string]any{
		"ext." + name + ".packages": ext["packages"],
		"ext." + name + ".types":    ext["types"],
	})
	return Inputs{ConfigHash: h}, err
}

// RuntimeInputs hashes a runtime's merged package set and its target.
func RuntimeInputs(name string, packages any, target string) (Inputs, error) {
	h, err := HashValue(map[string]any{
		"runtime." + name + ".packages": packages,
		"runtime." + name + ".target":   target,
	})
	return Inputs{ConfigHash: h}, err
}
