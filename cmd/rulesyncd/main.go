package main

import (
	"os"

	"github.com/0x4d31/rulesync/internal/logutil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logutil.Error("%v", err)
		os.Exit(1)
	}
}
