package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-queuelock/v1/metrics"
	"github.com/mirkobrombin/go-queuelock/v1/notify"
	"github.com/mirkobrombin/go-queuelock/v1/queuelock"
	"github.com/mirkobrombin/go-queuelock/v1/store"
)

type config struct {
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	Timeout       time.Duration
	PollInterval  time.Duration
	Notify        string
	NATSURL       string
	KafkaBrokers  []string
	BreakerFails  int
	BreakerWait   time.Duration
	MetricsListen string
	Trace         bool
	LogLevel      string
	LogFormat     string
}

var flagNames = []string{
	"store", "redis-addr", "redis-password", "redis-db", "prefix", "timeout", "poll-interval",
	"notify", "nats-url", "kafka-brokers", "notify-breaker-threshold", "notify-breaker-cooldown", "metrics-listen", "trace", "log-level", "log-format",
}

func addConfigFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("store", "redis", "queue store (redis, memory, ristretto)")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.String("prefix", "queuelock:", "prefix for store keys and hint channels")
	flags.Duration("timeout", queuelock.DefaultTimeout, "lock timeout and ticket ttl")
	flags.Duration("poll-interval", queuelock.DefaultPollInterval, "delay between queue reads while waiting")
	flags.String("notify", "none", "release hints (none, redis, nats, kafka)")
	flags.String("nats-url", nats.DefaultURL, "nats server url for --notify nats")
	flags.StringSlice("kafka-brokers", []string{"localhost:9092"}, "kafka brokers for --notify kafka")
	flags.Int("notify-breaker-threshold", 5, "consecutive hint failures before falling back to polling")
	flags.Duration("notify-breaker-cooldown", 30*time.Second, "how long hints stay disabled after the breaker opens")
	flags.String("metrics-listen", "", "prometheus listen address (empty disables)")
	flags.Bool("trace", false, "print OpenTelemetry spans to stderr")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	for _, name := range flagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("QUEUELOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfig(v *viper.Viper) config {
	return config{
		Store:         strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		Prefix:        v.GetString("prefix"),
		Timeout:       v.GetDuration("timeout"),
		PollInterval:  v.GetDuration("poll-interval"),
		Notify:        strings.ToLower(strings.TrimSpace(v.GetString("notify"))),
		NATSURL:       v.GetString("nats-url"),
		KafkaBrokers:  v.GetStringSlice("kafka-brokers"),
		BreakerFails:  v.GetInt("notify-breaker-threshold"),
		BreakerWait:   v.GetDuration("notify-breaker-cooldown"),
		MetricsListen: strings.TrimSpace(v.GetString("metrics-listen")),
		Trace:         v.GetBool("trace"),
		LogLevel:      v.GetString("log-level"),
		LogFormat:     strings.ToLower(v.GetString("log-format")),
	}
}

func newLogger(cfg config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", cfg.LogLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.LogFormat {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", cfg.LogFormat)
	}
}

// env holds a configured coordinator and everything that must be shut down
// with it.
type env struct {
	coord   *queuelock.Coordinator
	logger  *slog.Logger
	timeout time.Duration
	closers []func(context.Context) error
}

func (e *env) onClose(fn func(context.Context) error) {
	e.closers = append(e.closers, fn)
}

// Close runs the registered closers in reverse order.
func (e *env) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func newEnv(cfg config, stderr io.Writer) (_ *env, err error) {
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	e := &env{logger: logger, timeout: cfg.Timeout}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	opts := []queuelock.Option{
		queuelock.WithLogger(logger),
		queuelock.WithKeyPrefix(cfg.Prefix),
		queuelock.WithPollInterval(cfg.PollInterval),
		queuelock.WithDefaultTimeout(cfg.Timeout),
	}

	var memOpts []store.InMemoryOption
	if cfg.MetricsListen != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoordinatorMetrics(reg)
		memOpts = append(memOpts, store.WithMetrics(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", cfg.MetricsListen, "error", err)
			}
		}()
		e.onClose(srv.Shutdown)
	}

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		e.onClose(tp.Shutdown)
		opts = append(opts, queuelock.WithTracing())
		memOpts = append(memOpts, store.WithTracing())
	}

	var client *redis.Client
	redisClient := func() *redis.Client {
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			e.onClose(func(context.Context) error { return client.Close() })
		}
		return client
	}

	var s store.Store
	switch cfg.Store {
	case "redis":
		s = store.NewRedis(redisClient())
	case "memory":
		mem := store.NewInMemory(memOpts...)
		e.onClose(func(context.Context) error { mem.Close(); return nil })
		s = mem
	case "ristretto":
		r, err := store.NewRistretto()
		if err != nil {
			return nil, err
		}
		e.onClose(func(context.Context) error { r.Close(); return nil })
		s = r
	default:
		return nil, fmt.Errorf("invalid --store %q", cfg.Store)
	}

	var hints notify.Notifier
	switch cfg.Notify {
	case "", "none":
	case "redis":
		n := notify.NewRedis(redisClient())
		e.onClose(func(context.Context) error { return n.Close() })
		hints = n
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		e.onClose(func(context.Context) error { conn.Close(); return nil })
		n := notify.NewNATS(conn)
		e.onClose(func(context.Context) error { return n.Close() })
		hints = n
	case "kafka":
		n, err := notify.NewKafka(cfg.KafkaBrokers, nil)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		e.onClose(func(context.Context) error { return n.Close() })
		hints = n
	default:
		return nil, fmt.Errorf("invalid --notify %q", cfg.Notify)
	}
	if hints != nil {
		opts = append(opts, queuelock.WithNotifier(notify.NewBreaker(hints, cfg.BreakerFails, cfg.BreakerWait)))
	}

	e.coord = queuelock.New(s, nil, opts...)
	return e, nil
}
