// Command syncctl inspects a session directory and joins sessions headlessly.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
