// Package main implements the synthiot command: it runs the IoT to
// parameter engine and offers configuration, device and publish helpers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information
const (
	Version = "0.1.0"
	appName = "synthiot"
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

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
