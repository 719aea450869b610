package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opd-ai/radon"
	"github.com/opd-ai/radon/config"
)

var (
	configFile string
	mode       string
	port       int
	keyFile    string
	passphrase string
	listen     bool

	logLevel  string
	logFormat string
	logFile   string
)

// Execute runs the radon command line.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "radon",
		Short:        "Overlay mesh node and router",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			r, err := radon.New(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithFields(logrus.Fields{
					"function": "Execute",
					"package":  "main",
					"error":    err.Error(),
				}).Error("Radon stopped")
				return err
			}
			logrus.WithField("function", "Execute").Info("Radon stopped")
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&mode, "type", "t", string(config.ModeNode), "peer type: node or router")
	flags.IntVar(&port, "port", config.Default().Port, "listen port")
	flags.StringVar(&configFile, "config", "", "YAML configuration file")
	flags.StringVar(&keyFile, "key", "", "private key file (default ~/.local/share/radon/pk.bin)")
	flags.StringVarP(&passphrase, "passphrase", "p", "", "encrypt the key file with this passphrase")
	flags.BoolVar(&listen, "listen", false, "accept inbound links in node mode")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this rotating file")

	root.AddCommand(pubkeyCmd())
	return root
}

// loadConfig reads the config file, if any, then applies explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("type") || configFile == "" {
		m, err := config.ParseMode(mode)
		if err != nil {
			return nil, err
		}
		cfg.Mode = m
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("key") {
		cfg.KeyFile = keyFile
	}
	if flags.Changed("passphrase") {
		cfg.Passphrase = passphrase
	}
	if flags.Changed("listen") {
		cfg.Listen = listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(stderr io.Writer) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch logFormat {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", logFormat)
	}

	out := stderr
	if logFile != "" {
		out = io.MultiWriter(stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}
	logrus.SetOutput(out)
	return nil
}
