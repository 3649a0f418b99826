// Command mlfit drives the multi-emitter PSF fitting core from the
// command line: a synthetic demonstration today, built on the same
// fitstate/frame/psf libraries a real acquisition pipeline would call.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
