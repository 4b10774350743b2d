// Command sqlbridge runs a SQL bridge: a dispatcher exposed over HTTP that
// forwards open/exec/close/batch calls to an executor owning the SQLite
// engine, either in-process or across a process, socket or vsock boundary.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
