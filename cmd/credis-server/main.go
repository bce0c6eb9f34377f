// Command credis-server runs a credis node, either as a master or as a
// replica of another instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mal0ner/credis"
)

var rootCmd = &cobra.Command{
	Use:     "credis-server",
	Short:   "A RESP-compatible in-memory key-value server with replication",
	Long:    `Start a credis server. Without --replicaof the server runs as a master; with it, the server synchronizes with the given master and serves reads. Every flag can also be set via environment variables with the CREDIS_ prefix (e.g. CREDIS_LISTEN=:6380).`,
	PreRunE: bindConfig,
	RunE:    run,
	Version: credis.Version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("listen", ":6379", "Address the server listens on")
	rootCmd.PersistentFlags().String("replicaof", "", "Master address to replicate from (host:port); empty runs as master")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("idle-timeout", 0, "Close client connections idle longer than this (0 disables)")
	rootCmd.PersistentFlags().Int64("max-bulk-size", 0, "Maximum accepted bulk string length in bytes (0 uses the protocol default)")
	rootCmd.PersistentFlags().Int("shards", 0, "Number of keyspace shards (0 uses the storage default)")
}

// initConfig wires environment variables into viper.
func initConfig() {
	viper.SetEnvPrefix("credis")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindConfig(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func run(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	opts := []credis.Option{
		credis.WithListenAddr(viper.GetString("listen")),
		credis.WithLogger(credis.NewZapLogger(sugar)),
	}
	if master := viper.GetString("replicaof"); master != "" {
		opts = append(opts, credis.WithMaster(master))
	}
	if d := viper.GetDuration("idle-timeout"); d > 0 {
		opts = append(opts, credis.WithIdleTimeout(d))
	}
	if n := viper.GetInt64("max-bulk-size"); n > 0 {
		opts = append(opts, credis.WithMaxBulkSize(n))
	}
	if n := viper.GetInt("shards"); n > 0 {
		opts = append(opts, credis.WithShardCount(n))
	}

	srv, err := credis.New(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	sugar.Infow("Server started", "addr", srv.Addr(), "role", srv.Role().String(), "version", credis.Version)

	<-ctx.Done()
	sugar.Info("Shutting down")

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
