// Package main provides the CLI entry point for socks5tun.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/socks5tun/internal/cipherstream"
	"github.com/postalsys/socks5tun/internal/config"
	"github.com/postalsys/socks5tun/internal/logging"
	"github.com/postalsys/socks5tun/internal/metrics"
	"github.com/postalsys/socks5tun/internal/socks5"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5tun",
		Short:   "socks5tun - encrypted SOCKS5 local tunnel proxy",
		Version: Version,
		Long: `socks5tun runs a local SOCKS5 proxy that encrypts every tunneled
connection before forwarding it to one of a configured set of remote
relays, so that SOCKS5 clients on this machine can reach the network
through an encrypted hop without any client-side changes.`,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configTestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the SOCKS5 tunnel proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			logger.Info("starting socks5tun", "version", Version, "config", cfg.String())

			reg := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(reg)

			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsServer := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server error", logging.KeyError, err)
					}
				}()
				defer metricsServer.Close()
				logger.Info("metrics endpoint listening", "address", cfg.Metrics.Address)
			}

			dialer := socks5.NewRemoteDialer(
				cfg.Remote.Hosts,
				cfg.Remote.Port,
				cfg.Remote.ConnectTimeout,
				cipherstream.Method(cfg.Cipher.Method),
				cfg.Cipher.Password,
				m,
			)

			server := socks5.NewServer(socks5.ServerConfig{
				Address:        cfg.Local.Address,
				MaxConnections: cfg.Local.MaxConnections,
				AcceptRate:     cfg.Limits.AcceptRate,
				AcceptBurst:    cfg.Limits.AcceptBurst,
				BufferSize:     cfg.Limits.BufferSize,
				Dialer:         dialer,
				Logger:         logger,
				Metrics:        m,
			})

			if err := server.Start(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			fmt.Printf("socks5tun listening on %s, relaying to %d remote host(s)\n",
				server.Address(), len(cfg.Remote.Hosts))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := server.StopWithContext(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("socks5tun stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func configTestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config-test",
		Short: "Validate a configuration file without starting the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Println(cfg.String())
			fmt.Printf("relay buffer size: %s\n", humanize.Bytes(uint64(cfg.Limits.BufferSize)))
			fmt.Println("configuration is valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}
