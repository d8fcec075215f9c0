// Package main is the entry point for the site API server.
package main

import (
	"os"

	"github.com/stevedylandev/stevedylan.dev/cmd/siteapi/app"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
