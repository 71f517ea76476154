// Command ngsi reads context elements from an NGSI10 broker.
//
// Subcommands:
//
//	query   one-shot queryContext, elements printed as JSON lines
//	watch   standing subscription (webhook, server push or polling)
//	mirror  keeps the latest element snapshots in a store and serves them
//
// Configuration comes from a YAML file (--config, NGSI_CONFIG, ./config.yaml
// or /etc/ngsi/config.yaml), NGSI_* environment variables and flags, in that
// order of precedence from lowest to highest.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("ngsi failed", "error", err)
		os.Exit(1)
	}
}
