// Package cmd provides common command line helpers for the acmebroker
// binary.
package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// FailOnError logs the message and error and exits the process when err is
// not nil.
func FailOnError(err error, msg string) {
	if err == nil {
		return
	}
	log.Fatalf("[!] %s - %s", msg, err)
}

// CatchSignals blocks until SIGTERM, SIGINT or SIGHUP arrives, then runs the
// callback and returns. The caller decides whether to exit.
func CatchSignals(callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	sig := <-sigChan
	log.Printf("Caught %s", sig)

	if callback != nil {
		callback()
	}
}
