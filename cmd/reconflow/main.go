// Command reconflow runs recon workflows: dependency-ordered graphs of
// tasks whose parameters can reference the results of earlier tasks.
package main

import (
	"fmt"
	"os"
	"runtime"
)

const appName = "reconflow"

// Set by -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
