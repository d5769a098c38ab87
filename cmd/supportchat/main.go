package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unidesk/supportchat-client/internal/app"
	"github.com/unidesk/supportchat-client/internal/config"
	applog "github.com/unidesk/supportchat-client/internal/log"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "supportchat",
		Short:         "University support chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newChatCmd())
	root.AddCommand(newAgentCmd())
	root.AddCommand(newLogoutCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "supportchat: %v\n", err)
		os.Exit(1)
	}
}

// buildApp loads configuration and wires the application.
func buildApp() (*app.App, *zerolog.Logger, error) {
	bootLog := applog.New("info")
	cfg, _, err := config.Load(bootLog, configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := applog.New(cfg.LogLevel)
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}
