// Command syncctl is the operator CLI for the ad sync scheduler.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
