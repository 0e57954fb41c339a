// Command taskd runs the task manager daemon.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("taskd failed")
		os.Exit(1)
	}
}
