package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"beacon/core"
	"beacon/pkg/config"
)

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beacon",
		Short: "Run and inspect a Beacon agent presence node",
	}
	cmd.AddCommand(runCmd())
	cmd.AddCommand(identityCmd())
	return cmd
}

func runCmd() *cobra.Command {
	var env string
	var keystorePassword string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node's periodic tasks and transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.StandardLogger()
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := core.NewStore(cfg.Beacon.DataDir)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}

			id, err := loadOrCreateIdentity(cfg.Beacon.DataDir, keystorePassword)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			logger.WithField("agent_id", id.AgentID()).Info("beacon: identity loaded")

			node, err := core.NewNode(cfg, store, id, logger)
			if err != nil {
				return fmt.Errorf("construct node: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node.Start(ctx)
			logger.Info("beacon: periodic tasks started")

			metricsSrv := &http.Server{Addr: ":9090", Handler: node.Metrics.Handler()}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Warn("beacon: metrics server exited")
				}
			}()

			if node.Webhook != nil {
				go func() {
					if err := node.Webhook.ListenAndServe(cfg.Webhook.Host, cfg.Webhook.Port); err != nil {
						logger.WithError(err).Warn("beacon: webhook server exited")
					}
				}()
				logger.WithFields(logrus.Fields{"host": cfg.Webhook.Host, "port": cfg.Webhook.Port}).Info("beacon: webhook transport listening")
			}

			<-ctx.Done()
			logger.Info("beacon: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
			node.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name (merges <env>.yaml over beacon.yaml)")
	cmd.Flags().StringVar(&keystorePassword, "keystore-password", os.Getenv("BEACON_KEYSTORE_PASSWORD"), "password protecting the on-disk identity keystore")
	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "manage this node's Ed25519 identity"}
	cmd.AddCommand(identityNewCmd())
	cmd.AddCommand(identityShowCmd())
	return cmd
}

func identityNewCmd() *cobra.Command {
	var password string
	var force bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "generate a fresh identity and print its mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path := filepath.Join(cfg.Beacon.DataDir, identityFileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("identity already exists at %s (use --force to overwrite)", path)
			}
			id, mnemonic, err := core.GenerateWithMnemonic()
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}
			if err := saveIdentity(cfg.Beacon.DataDir, id, password); err != nil {
				return err
			}
			fmt.Printf("agent_id: %s\npublic_key: %s\nmnemonic: %s\n", id.AgentID(), id.PublicKeyHex(), mnemonic)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "keystore-password", os.Getenv("BEACON_KEYSTORE_PASSWORD"), "password protecting the on-disk identity keystore")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity file")
	return cmd
}

func identityShowCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "print this node's agent ID and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			id, err := loadOrCreateIdentity(cfg.Beacon.DataDir, password)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Printf("agent_id: %s\npublic_key: %s\n", id.AgentID(), id.PublicKeyHex())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "keystore-password", os.Getenv("BEACON_KEYSTORE_PASSWORD"), "password protecting the on-disk identity keystore")
	return cmd
}
