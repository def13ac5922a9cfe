// The main package for the trafficpacer executable.
package main

import (
	"github.com/JakeFAU/trafficpacer/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
