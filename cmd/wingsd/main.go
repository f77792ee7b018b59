// Command wingsd is the per-node game-server control daemon: it manages
// confined server filesystems, archive/backup creation, outgoing
// transfers, and the SFTP/exec gateway described by the design in
// internal/. See `wingsd --help` for the command surface.
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
