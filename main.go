// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/avocado-linux/avocado-cli/cmd/avocado"

func main() {
	cmd.Execute()
}
