// Command mapctl drives a story map server from the terminal: it manages map
// locks, watches live maps, and moves maps in and out as JSON.
package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
