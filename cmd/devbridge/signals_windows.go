//go:build windows

package main

import (
	"os"
	"os/signal"
)

// Only os.Interrupt (Ctrl+C) is delivered on Windows.
func setupSignalHandling(sigChan chan os.Signal) {
	signal.Notify(sigChan, os.Interrupt)
}
