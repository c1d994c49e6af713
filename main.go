// The main package for the webimporter executable.
package main

import (
	"github.com/JakeFAU/webimporter/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
