// Command ragctl is the operator CLI: corpus statistics rebuilds, vector
// sync, passage import and ad-hoc retrievals.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
