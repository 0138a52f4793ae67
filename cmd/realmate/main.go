package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pedrogs97/realmate-challenge/pkg/convo"
	"github.com/pedrogs97/realmate-challenge/pkg/httpapi"
	"github.com/pedrogs97/realmate-challenge/pkg/ingest"
)

type serveSettings struct {
	Addr             string
	DBPath           string
	MemoryStore      bool
	RedisEnabled     bool
	RedisAddr        string
	RedisGroup       string
	RedisConsumer    string
	IngestMode       string
	BufferTimeout    time.Duration
	AggregationDelay time.Duration
	GroupWindow      time.Duration
}

func main() {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "realmate",
		Short: "Webhook conversation ingestion service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrapf(err, "invalid log level %q", logLevel)
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	s := &serveSettings{}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook intake HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, s)
		},
	}
	serveCmd.Flags().StringVar(&s.Addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&s.DBPath, "db", "conversations.db", "sqlite database path")
	serveCmd.Flags().BoolVar(&s.MemoryStore, "memory", false, "use in-memory storage instead of sqlite")
	serveCmd.Flags().BoolVar(&s.RedisEnabled, "redis-enabled", false, "use redis for the message buffer (and the intake bus when --ingest=bus)")
	serveCmd.Flags().StringVar(&s.RedisAddr, "redis-addr", "localhost:6379", "redis address host:port")
	serveCmd.Flags().StringVar(&s.RedisGroup, "redis-group", "conversations", "redis streams consumer group")
	serveCmd.Flags().StringVar(&s.RedisConsumer, "redis-consumer", "worker-1", "redis streams consumer name")
	serveCmd.Flags().StringVar(&s.IngestMode, "ingest", "direct", "webhook dispatch mode: direct or bus")
	serveCmd.Flags().DurationVar(&s.BufferTimeout, "buffer-timeout", convo.DefaultBufferTimeout, "tolerance window for out-of-order messages")
	serveCmd.Flags().DurationVar(&s.AggregationDelay, "aggregation-delay", convo.DefaultAggregationDelay, "quiet period before aggregating an inbound burst")
	serveCmd.Flags().DurationVar(&s.GroupWindow, "group-window", convo.DefaultGroupWindow, "maximum gap between inbound messages of one burst")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, s *serveSettings) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store convo.Store
	if s.MemoryStore {
		store = convo.NewInMemoryStore()
	} else {
		dsn, err := convo.SQLiteDSNForFile(s.DBPath)
		if err != nil {
			return err
		}
		sqlStore, err := convo.NewSQLiteStore(dsn)
		if err != nil {
			return errors.Wrap(err, "open sqlite store")
		}
		store = sqlStore
	}
	defer func() { _ = store.Close() }()

	var cache convo.BufferCache
	if s.RedisEnabled {
		redisCache, err := convo.NewRedisBufferCache(s.RedisAddr)
		if err != nil {
			return errors.Wrap(err, "open redis buffer")
		}
		cache = redisCache
	} else {
		cache = convo.NewInMemoryBufferCache()
	}
	defer func() { _ = cache.Close() }()

	svc, err := convo.NewService(convo.ServiceConfig{
		Store:            store,
		Cache:            cache,
		BufferTimeout:    s.BufferTimeout,
		AggregationDelay: s.AggregationDelay,
		GroupWindow:      s.GroupWindow,
	})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	var pub httpapi.Publisher
	var runners []httpapi.Runner
	switch s.IngestMode {
	case "direct":
	case "bus":
		bus, err := ingest.NewBus(ingest.Settings{
			RedisEnabled: s.RedisEnabled,
			RedisAddr:    s.RedisAddr,
			Group:        s.RedisGroup,
			Consumer:     s.RedisConsumer,
		}, svc)
		if err != nil {
			return err
		}
		pub = bus
		runners = append(runners, bus)
	default:
		return errors.Errorf("unknown ingest mode %q", s.IngestMode)
	}

	handler, err := httpapi.NewHandler(svc, pub)
	if err != nil {
		return err
	}
	srv, err := httpapi.NewServer(s.Addr, handler, runners...)
	if err != nil {
		return err
	}

	log.Info().
		Str("addr", s.Addr).
		Str("ingest", s.IngestMode).
		Bool("redis", s.RedisEnabled).
		Msg("starting conversation service")
	return srv.Run(ctx)
}
