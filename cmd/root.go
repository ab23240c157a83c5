// Package cmd wires the vsb command line: operating mode selection, bind
// parameters, and service startup.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"validation.station/vsb/internal/broker"
	"validation.station/vsb/internal/config"
	"validation.station/vsb/internal/journal"
	"validation.station/vsb/internal/logger"
	"validation.station/vsb/internal/provider"
	"validation.station/vsb/internal/types"
	"validation.station/vsb/internal/web"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var (
		brokerMode   bool
		providerMode bool
		host         string
		port         int
		proxyURL     string
		cfgFile      string
		journalFile  string
		brokerURL    string
	)

	rootCmd := &cobra.Command{
		Use:           "vsb",
		Version:       types.Version,
		Short:         "Distributed validation service with provider/broker architecture",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if brokerMode == providerMode {
				return errors.New("select exactly one of --broker or --provider")
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("proxy-url") {
				cfg.ProxyURL = proxyURL
			}
			if flags.Changed("journal") {
				cfg.JournalFile = journalFile
			}

			if brokerMode {
				fmt.Printf("Initializing broker service on %s:%d\n", cfg.Host, cfg.Port)
				return runBroker(cfg)
			}
			fmt.Printf("Initializing provider service on %s:%d\n", cfg.Host, cfg.Port)
			return runProvider(cfg, brokerURL)
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVar(&brokerMode, "broker", false, "Initialize in broker mode")
	flags.BoolVar(&providerMode, "provider", false, "Initialize in provider mode")
	flags.StringVar(&host, "host", "127.0.0.1", "Host interface to bind")
	flags.IntVarP(&port, "port", "P", 8080, "Port to bind service")
	flags.StringVar(&proxyURL, "proxy-url", "http://localhost:8080", "URL of the upstream proxy server")
	flags.StringVar(&cfgFile, "config", "", "Path to an optional config file")
	flags.StringVar(&journalFile, "journal", "", "Path to the SQLite audit journal (broker mode)")
	flags.StringVar(&brokerURL, "broker-url", "", "Broker websocket URL to serve as a provider client")

	return rootCmd
}

func runBroker(cfg *config.Config) error {
	events := logger.New(200)

	var jnl *journal.Journal
	if cfg.JournalFile != "" {
		var err error
		jnl, err = journal.Open(cfg.JournalFile)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jnl.Close()
		log.Printf("Audit journal at %s", cfg.JournalFile)
	}

	b := broker.New(cfg, events, jnl)
	server := web.NewServer(b, cfg, events)

	serverErrors := server.Start()
	go func() {
		if err := <-serverErrors; err != nil {
			log.Fatalf("Broker server exited: %v", err)
		}
	}()

	waitForSignal()
	log.Println("Shutting down...")
	return nil
}

func runProvider(cfg *config.Config, brokerURL string) error {
	serverErrors := provider.StartHealthServer(cfg)
	go func() {
		if err := <-serverErrors; err != nil {
			log.Fatalf("Provider server exited: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if brokerURL != "" {
		client := provider.NewClient(brokerURL, cfg.ProxyURL, cfg.HeartbeatInterval, nil)
		go func() {
			for ctx.Err() == nil {
				if err := client.Run(ctx); err != nil && ctx.Err() == nil {
					log.Printf("Provider client stopped, reconnecting: %v", err)
					time.Sleep(time.Second)
				}
			}
		}()
	}

	<-ctx.Done()
	log.Println("Shutting down...")
	return nil
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}
