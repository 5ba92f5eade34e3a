// Command ingest is the entrypoint for the CSV ingestion and analytics
// service. The root command runs the API server; the worker subcommand
// runs the chunk-processing pool.
package main

import (
	"os"

	"ledgerflow.dev/ingest/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
