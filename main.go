// The main package for the scrape-scheduler executable.
package main

import (
	"github.com/JakeFAU/scrape-scheduler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
