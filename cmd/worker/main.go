package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"yoma-reconciler/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:           "reconciler",
		Short:         "Yoma pending-work reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), runCommand(), jobsCommand())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("reconciler failed")
		os.Exit(1)
	}
}

// loadConfig reads the environment and configures logging. Configuration errors are fatal.
func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	cfg.ConfigureLogging()
	return cfg
}
