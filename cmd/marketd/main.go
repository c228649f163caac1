package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "marketd"
	version = "v0.4.0"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Normalized market data from OKEx, Binance and Deribit",
	Version: version,
	Long: `marketd keeps websocket subscriptions to several exchanges, maintains
local order books and publishes normalized order book, trade and kline
events to Redis, Kafka and Postgres.`,
	SilenceUsage: true,
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "marketd.yaml", "Path to the YAML configuration")
	fs.StringVar(&logLevel, "log-level", "", "Override log.level (trace|debug|info|warn|error)")
	fs.StringVar(&logFormat, "log-format", "", "Override log.format (auto|json|console)")
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if err := configureLogging("info", "auto"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configureLogging applies level and format; flags win over config values
func configureLogging(level, format string) error {
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)

	console := format == "console" || (format == "auto" && term.IsTerminal(int(os.Stderr.Fd())))
	if console {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", appName).Logger()
	}
	return nil
}
