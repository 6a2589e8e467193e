package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Sentinel errors mean the command already printed its report;
		// exit nonzero without the generic error banner.
		if errors.Is(err, errVerifyMismatch) || errors.Is(err, errSyncIncomplete) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
