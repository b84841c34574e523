// The main package for the listing-stream executable.
package main

import (
	"github.com/JakeFAU/listing-stream/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
