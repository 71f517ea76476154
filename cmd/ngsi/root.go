package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ContextBroker/ContextBroker/pkg/broker"
	"github.com/ContextBroker/ContextBroker/pkg/config"
	"github.com/ContextBroker/ContextBroker/pkg/debug"
)

// app carries what every subcommand needs after configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger

	// flag overrides for the broker section
	brokerURL   string
	service     string
	servicePath string
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ngsi",
		Short:         "Stream context elements from an NGSI10 broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to the YAML config file")
	flags.StringVar(&a.brokerURL, "broker", "", "broker URL (overrides broker.url)")
	flags.StringVar(&a.service, "service", "", "Fiware-Service tenant (overrides broker.service)")
	flags.StringVar(&a.servicePath, "service-path", "", "Fiware-ServicePath (overrides broker.service_path)")

	root.AddCommand(
		newQueryCommand(a),
		newWatchCommand(a),
		newMirrorCommand(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("broker") {
		cfg.Broker.URL = a.brokerURL
	}
	if flags.Changed("service") {
		cfg.Broker.Service = a.service
	}
	if flags.Changed("service-path") {
		cfg.Broker.ServicePath = a.servicePath
	}

	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
	a.cfg = cfg
	a.logger = slog.Default()
	return nil
}

func (a *app) newBroker() (*broker.Client, error) {
	client, err := broker.New(broker.Config{
		BaseURL:     a.cfg.Broker.URL,
		Service:     a.cfg.Broker.Service,
		ServicePath: a.cfg.Broker.ServicePath,
		Timeout:     a.cfg.Broker.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating broker client: %w", err)
	}
	return client, nil
}
