// Command authctl inspects and resets the auth client storage of this
// machine: the remembered token, the session snapshot and the remembered
// login email.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
