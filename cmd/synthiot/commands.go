package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/c360/synthiot/config"
	"github.com/c360/synthiot/device"
	"github.com/c360/synthiot/engine"
	"github.com/c360/synthiot/metric"
)

// cliOptions holds the persistent flags shared by every command
type cliOptions struct {
	configPaths     []string
	envFile         string
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration

	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Map IoT sensor and controller messages onto synthesizer parameters",
		Long: `synthiot subscribes to an MQTT or NATS broker, discovers devices and
converts their messages into events and parameter changes for a
synthesizer engine.

Configuration is layered: defaults, then every --config file in order,
then SYNTHIOT_* environment variables. A .env file is loaded first.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.init,
	}

	pf := root.PersistentFlags()
	pf.StringArrayVarP(&opts.configPaths, "config", "c", nil,
		"Configuration file, repeat to layer (env: SYNTHIOT_CONFIG, comma separated)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error (env: SYNTHIOT_LOG_LEVEL)")
	pf.StringVar(&opts.logFormat, "log-format", "json", "Log format: json, text (env: SYNTHIOT_LOG_FORMAT)")

	root.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newDevicesCommand(opts),
		newPublishCommand(opts),
	)
	return root
}

// init loads the dotenv file, resolves env fallbacks for flags left unset
// and installs the logger
func (o *cliOptions) init(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(o.envFile); err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("log-level") {
		o.logLevel = getEnv("SYNTHIOT_LOG_LEVEL", o.logLevel)
	}
	if !flags.Changed("log-format") {
		o.logFormat = getEnv("SYNTHIOT_LOG_FORMAT", o.logFormat)
	}
	if !flags.Changed("config") {
		if v := os.Getenv("SYNTHIOT_CONFIG"); v != "" {
			o.configPaths = strings.Split(v, ",")
		}
	}

	if !contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(o.logLevel)) {
		return fmt.Errorf("invalid log level: %s", o.logLevel)
	}
	if !contains([]string{"json", "text"}, strings.ToLower(o.logFormat)) {
		return fmt.Errorf("invalid log format: %s", o.logFormat)
	}

	o.logger = setupLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
	slog.SetDefault(o.logger)
	return nil
}

func (o *cliOptions) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range o.configPaths {
		if p = strings.TrimSpace(p); p != "" {
			loader.AddLayer(p)
		}
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newRunCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg,
				engine.WithLogger(opts.logger),
				engine.WithMetricsRegistry(metric.NewMetricsRegistry()),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts.logger.Info("Starting synthiot",
				"backend", cfg.Transport.Backend,
				"broker", fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port),
				"parameters", len(cfg.Parameters),
				"mappings", len(cfg.Mappings))

			return runUntilDone(ctx, eng.Run, opts.shutdownTimeout, opts.logger)
		},
	}
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	return cmd
}

// runUntilDone runs fn and, once ctx ends, waits at most timeout for it
// to return
func runUntilDone(ctx context.Context, fn func(context.Context) error, timeout time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}

func newValidateCommand(opts *cliOptions) *cobra.Command {
	var printConfig bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "configuration is valid: %d parameters, %d mappings, %d midi mappings\n",
				len(cfg.Parameters), len(cfg.Mappings), len(cfg.MIDI.Mappings))
			if printConfig {
				redacted := cfg.Clone()
				if redacted.Transport.Password != "" {
					redacted.Transport.Password = "****"
				}
				_, _ = fmt.Fprintln(out, redacted.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "Print the resolved configuration")
	return cmd
}

func newDevicesCommand(opts *cliOptions) *cobra.Command {
	var (
		configDir string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List persisted devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var store device.Store
			if cfg.Registry.Store == config.StoreKV && configDir == "" {
				nc, err := nats.Connect(cfg.Registry.NATSURL, nats.Name("synthiot-cli"))
				if err != nil {
					return fmt.Errorf("connect to NATS: %w", err)
				}
				defer nc.Close()
				js, err := jetstream.New(nc)
				if err != nil {
					return fmt.Errorf("create JetStream context: %w", err)
				}
				if store, err = device.OpenKVStore(ctx, js, cfg.Registry.KVBucket); err != nil {
					return err
				}
			} else {
				if configDir == "" {
					configDir = cfg.Registry.ConfigDir
				}
				store = device.NewFileStore(configDir)
			}

			snap, err := store.Load(ctx)
			if err != nil {
				if device.IsNotFound(err) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no devices persisted")
					return nil
				}
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return writeDeviceTable(cmd.OutOrStdout(), snap.Devices)
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", "", "Read devices.json from this directory instead of the configured store")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot as JSON")
	return cmd
}

func writeDeviceTable(w io.Writer, devices []device.Device) error {
	table := tablewriter.NewTable(w)
	table.Header("ID", "Name", "Type", "Connected", "Last Seen", "Topics")
	for _, d := range devices {
		lastSeen := "never"
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Format(time.RFC3339)
		}
		if err := table.Append(d.ID, d.Name, string(d.Type), strconv.FormatBool(d.Connected), lastSeen, strings.Join(d.Topics, ", ")); err != nil {
			return err
		}
	}
	return table.Render()
}

func newPublishCommand(opts *cliOptions) *cobra.Command {
	var (
		qos    int
		retain bool
	)
	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Publish one message to the configured broker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if qos < -1 || qos > 2 {
				return fmt.Errorf("invalid qos: %d", qos)
			}

			eng, err := engine.New(cfg, engine.WithLogger(opts.logger))
			if err != nil {
				return err
			}
			client := eng.Client()

			// a generated id keeps a running engine's session alive
			tc := cfg.Transport
			if err := client.Connect(cmd.Context(), tc.Host, tc.Port, ""); err != nil {
				return err
			}
			defer client.Disconnect()

			level := client.DefaultQoS()
			if qos >= 0 {
				level = byte(qos)
			}
			if err := client.PublishWith(args[0], []byte(args[1]), level, retain); err != nil {
				return err
			}
			opts.logger.Info("Message published", "topic", args[0], "bytes", len(args[1]), "qos", level, "retain", retain)
			return nil
		},
	}
	cmd.Flags().IntVar(&qos, "qos", -1, "QoS 0, 1 or 2; -1 uses transport.default_qos")
	cmd.Flags().BoolVar(&retain, "retain", false, "Publish as a retained message")
	return cmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
