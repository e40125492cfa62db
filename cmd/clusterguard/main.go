// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the clusterguard broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	protoactor "github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/spf13/cobra"
	"github.com/turtacn/clusterguard/pkg/actor"
	"github.com/turtacn/clusterguard/pkg/auth"
	"github.com/turtacn/clusterguard/pkg/cluster"
	"github.com/turtacn/clusterguard/pkg/config"
	"github.com/turtacn/clusterguard/pkg/discovery"
	"github.com/turtacn/clusterguard/pkg/grain"
	"github.com/turtacn/clusterguard/pkg/hooks"
	"github.com/turtacn/clusterguard/pkg/logger"
	"github.com/turtacn/clusterguard/pkg/metrics"
	"github.com/turtacn/clusterguard/pkg/storage"
	"github.com/turtacn/clusterguard/pkg/storage/postgres"
	"github.com/turtacn/clusterguard/pkg/supervisor"
	"github.com/turtacn/clusterguard/pkg/throttle"
	tlsconf "github.com/turtacn/clusterguard/pkg/tls"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clusterguard",
		Short:        "Clustered MQTT broker with shared access control and audit",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newHashPasswordCmd(), newGenerateConfigCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cmd.ErrOrStderr(), logger.Options{Level: cfg.Log.Level, NoColor: cfg.Log.NoColor})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var algorithm, salt string
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the stored form of a password",
		Long:  "Print the stored form of a password for seeding users. The password is read from stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(string(data), "\r\n")
			}
			if password == "" {
				return errors.New("password cannot be empty")
			}
			if salt == "" {
				salt = uuid.NewString()
			}

			hash, err := auth.HashPassword(password, salt, auth.HashAlgorithm(algorithm))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(auth.HashBcrypt), "hash algorithm: plain, sha256 or bcrypt")
	cmd.Flags().StringVar(&salt, "salt", "", "salt for sha256 (random when empty)")
	return cmd
}

func newGenerateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config <path>",
		Short: "Write the default configuration to a .yaml or .json file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.DefaultConfig(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration saved to %s\n", args[0])
			return err
		},
	}
}

// serve runs every component until ctx is done, then shuts them down in
// reverse order, ending with the coordinator's final drain.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	brokerID := discovery.Peer{Name: cfg.Node.Name}.ID()
	log.Info("starting clusterguard", "version", version, "node", cfg.Node.Name, "broker_id", brokerID)
	if cfg.UsesDefaultSyncCredentials() {
		log.Warn("replication uses the default sync credentials, set replication.password and the sync user's password")
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	counter, closeCounter, err := openCounter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCounter()

	system := protoactor.NewActorSystem(protoactor.WithLoggerFactory(func(*protoactor.ActorSystem) *slog.Logger {
		return log.With("component", "actor")
	}))
	router := grain.NewRouter(system, grain.Dependencies{
		Store:       store,
		Hasher:      auth.NewHasher(),
		Counter:     counter,
		Logger:      log.With("component", "grain"),
		IdleTimeout: cfg.Coordinator.GrainIdleTimeout,
	}, cfg.Coordinator.RequestTimeout)
	defer router.Close()

	replicator := cluster.NewPahoReplicator(cfg.Replication.ClientIDPrefix)
	if replicator.TLSConfig, err = cfg.Replication.ClientTLS(); err != nil {
		return fmt.Errorf("failed to configure replication TLS: %w", err)
	}
	coordinator := cluster.NewCoordinator(router, store, replicator, log.With("component", "coordinator"), cfg.Coordinator.Options())
	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coordinator.Close(context.Background()); err != nil {
			log.Error("final flush failed", "error", err)
		}
	}()

	if cfg.Metrics.Address != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		go func() {
			if err := metrics.Serve(ctx, ln, log); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	sup := supervisor.NewOneForOneSupervisor(log.With("component", "supervisor"))
	syncer := discovery.NewSyncer(peerSources(cfg, log), coordinator, cfg.Replication.Template(), cfg.Discovery.Interval, log.With("component", "discovery"))
	sup.StartChild(ctx, supervisor.Spec{
		ID:      "peer-discovery",
		Actor:   syncer,
		Restart: supervisor.RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	})
	defer func() {
		cancel()
		sup.Wait()
	}()

	server := mqtt.New(&mqtt.Options{Logger: log.With("component", "mqtt")})
	if err := server.AddHook(new(hooks.Hook), &hooks.Options{
		Coordinator: coordinator,
		BrokerID:    brokerID,
		Timeout:     cfg.Coordinator.RequestTimeout,
		Logger:      log.With("component", "hooks"),
	}); err != nil {
		return fmt.Errorf("failed to add hook: %w", err)
	}
	listenerConfig := listeners.Config{ID: "tcp", Address: cfg.MQTT.Address}
	if cfg.MQTT.TLS.Enabled() {
		if listenerConfig.TLSConfig, err = cfg.MQTT.TLS.Server(); err != nil {
			return fmt.Errorf("failed to configure listener TLS: %w", err)
		}
		logCertificate(log, cfg.MQTT.TLS)
	}
	if err := server.AddListener(listeners.NewTCP(listenerConfig)); err != nil {
		return fmt.Errorf("failed to add listener: %w", err)
	}
	if err := server.Serve(); err != nil {
		return fmt.Errorf("failed to start MQTT server: %w", err)
	}
	log.Info("mqtt listener started", "address", cfg.MQTT.Address)

	<-ctx.Done()
	log.Info("shutdown signal received, shutting down")
	if err := server.Close(); err != nil {
		log.Warn("mqtt server close failed", "error", err)
	}
	return nil
}

// certificateExpiryWarning is how far ahead of expiry startup warns.
const certificateExpiryWarning = 30 * 24 * time.Hour

func logCertificate(log *slog.Logger, c tlsconf.Config) {
	info, err := c.Describe()
	if err != nil {
		log.Warn("cannot read listener certificate", "file", c.CertFile, "error", err)
		return
	}
	attrs := []any{"subject", info.Subject, "not_after", info.NotAfter, "fingerprint", info.Fingerprint}
	if info.ExpiresWithin(time.Now(), certificateExpiryWarning) {
		log.Warn("listener certificate expires soon", attrs...)
		return
	}
	log.Info("listener certificate loaded", attrs...)
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, nil, err
			}
		}
		log.Info("using postgres store")
		return pg, func() { _ = pg.Close() }, nil
	default:
		mem := storage.NewMemStore()
		if err := cfg.SeedStore(mem); err != nil {
			return nil, nil, err
		}
		log.Info("using in-memory store", "users", len(cfg.Users))
		return mem, func() {}, nil
	}
}

func openCounter(ctx context.Context, cfg *config.Config) (throttle.Counter, func(), error) {
	if cfg.Throttle.Driver != config.DriverRedis {
		return throttle.NewMemoryCounter(), func() {}, nil
	}
	r := cfg.Throttle.Redis
	counter, client, err := throttle.Dial(ctx, r.Address, r.Password, r.DB)
	if err != nil {
		return nil, nil, err
	}
	return counter, func() { _ = client.Close() }, nil
}

// peerSources combines configured static peers with Kubernetes discovery
// when it is enabled and available.
func peerSources(cfg *config.Config, log *slog.Logger) discovery.Discovery {
	sources := discovery.Multi{discovery.Static(cfg.Peers)}
	if k := cfg.Discovery.Kubernetes; k.Enabled {
		kd, err := discovery.NewKubeDiscovery(k.Namespace, k.Service, k.PortName)
		if err != nil {
			log.Warn("kubernetes discovery unavailable, using static peers only", "error", err)
		} else {
			sources = append(sources, kd)
		}
	}
	return sources
}
