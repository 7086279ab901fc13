// Command efgrabber is the headless shell around the acquisition engine.
package main

import (
	"fmt"
	"os"

	"github.com/segin/efgrabber/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
