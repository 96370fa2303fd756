// Command mise runs a project's task board through a coding-agent CLI.
package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("mise: ")
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
