// Command slaved is the data-provider-master supervisor daemon: it launches,
// tracks, and reaps slave worker processes and runs the Fault Manager over
// them (spec.md).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
