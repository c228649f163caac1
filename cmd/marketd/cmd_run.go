package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/marketfeed/internal/config"
	"github.com/sawpanic/marketfeed/internal/feed"
	httpserver "github.com/sawpanic/marketfeed/internal/interfaces/http"
	"github.com/sawpanic/marketfeed/internal/interfaces/http/handlers"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/persistence"
	"github.com/sawpanic/marketfeed/internal/persistence/postgres"
	"github.com/sawpanic/marketfeed/internal/persistence/rediscache"
	"github.com/sawpanic/marketfeed/internal/secrets"
	"github.com/sawpanic/marketfeed/internal/stream"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the configured platforms and publish events",
	Long: `Start one websocket session per configured platform, publish normalized
events to every enabled sink and serve /health, /metrics and
/books/{platform}/{base}/{quote} until SIGINT or SIGTERM.`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Grace period for the HTTP server on shutdown")
}

// sinkSet is what buildSinks wires up
type sinkSet struct {
	sinks   []stream.Sink
	books   persistence.BookCache
	closers []io.Closer
}

func (s *sinkSet) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}

func buildSinks(ctx context.Context, cfg *config.Config) (*sinkSet, error) {
	set := &sinkSet{sinks: []stream.Sink{stream.NewLogSink(log.Logger, zerolog.DebugLevel)}}

	pub := cfg.Publisher
	if pub.Redis.Enabled {
		client, err := rediscache.NewClient(ctx, pub.Redis.Config)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.closers = append(set.closers, client)
		cache := rediscache.NewBookCache(client, pub.Redis.BookTTL)
		set.books = cache
		set.sinks = append(set.sinks, stream.NewRedisSink(client, pub.Redis.ChannelPrefix), stream.NewBookCacheSink(cache))
		log.Info().Str("addr", pub.Redis.Addr).Msg("redis sink enabled")
	}
	if pub.Kafka.Enabled {
		w := stream.NewKafkaWriter(pub.Kafka.KafkaConfig)
		set.closers = append(set.closers, w)
		set.sinks = append(set.sinks, stream.NewKafkaSink(w))
		log.Info().Strs("brokers", pub.Kafka.Brokers).Str("topic", pub.Kafka.Topic).Msg("kafka sink enabled")
	}
	if pub.Postgres.Enabled {
		db, err := postgres.Open(ctx, pub.Postgres.Config)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.closers = append(set.closers, db)
		if err := postgres.Migrate(ctx, db); err != nil {
			set.Close()
			return nil, err
		}
		set.sinks = append(set.sinks, stream.NewStoreSink(postgres.NewTradeStore(db, pub.Postgres.QueryTimeout)))
		log.Info().Str("dsn", secrets.Redact(pub.Postgres.DSN)).Msg("postgres sink enabled")
	}
	return set, nil
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := configureLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector()
	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer sinks.Close()
	bus := stream.NewBus(cfg.Bus(), m, sinks.sinks...)

	settings, problems := cfg.PlatformSettings()
	for _, p := range problems {
		log.Warn().Err(p.Err).Str("platform", p.Platform).Msg("configuration entry skipped")
	}
	runner, err := feed.New(settings, feed.DefaultRegistry(), bus, m, feed.OptionsFrom(cfg.Transport))
	if err != nil {
		return err
	}

	srv := httpserver.NewServer(httpserver.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, handlers.NewHandlers(runner, bus, sinks.books), m.Handler())

	// the bus outlives the feeds so queued events are drained
	busCtx, stopBus := context.WithCancel(context.Background())
	busDone := make(chan error, 1)
	go func() { busDone <- bus.Run(busCtx) }()

	log.Info().Str("version", version).Int("platforms", len(runner.Platforms())).Msg("marketd started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	stopBus()
	if berr := <-busDone; berr != nil {
		log.Error().Err(berr).Msg("publisher stopped with error")
	}
	log.Info().Msg("marketd stopped")
	return err
}
