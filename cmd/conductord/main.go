// Command conductord runs the workflow execution engine behind an HTTP
// facade.
//
// Configuration is read from conductord.yaml (working directory or /etc/
// conductord/), overridable through CONDUCTOR_-prefixed environment
// variables:
//
//	listen_addr: ":8080"
//	store:
//	  driver: sqlite        # memory | sqlite | mysql
//	  dsn: conductor.db
//	engine:
//	  max_concurrent_executions: 10
//	  default_node_timeout_minutes: 30
//	  interaction_timeout_minutes: 30
//	  sweep_interval_seconds: 60
//	log:
//	  level: info
//	  console: false
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/conductor-go/conductor/engine"
	"github.com/conductor-go/conductor/engine/emit"
	"github.com/conductor-go/conductor/engine/store"
	"github.com/conductor-go/conductor/server"
	"github.com/conductor-go/conductor/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conductord:", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetConfigName("conductord")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductord")
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "conductor.db")
	v.SetDefault("engine.max_concurrent_executions", 10)
	v.SetDefault("engine.default_node_timeout_minutes", 30)
	v.SetDefault("engine.interaction_timeout_minutes", 30)
	v.SetDefault("engine.sweep_interval_seconds", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logger, err := buildLogger(v.GetString("log.level"), v.GetBool("log.console"))
	if err != nil {
		return err
	}

	execStore, interactionStore, repo, closeStore, err := buildStores(v, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	metrics := engine.NewPrometheusMetrics(registry)

	eng := engine.New(repo, execStore, interactionStore, &unconfiguredRunner{}, &emptyCatalog{},
		engine.WithMaxConcurrentExecutions(v.GetInt("engine.max_concurrent_executions")),
		engine.WithDefaultNodeTimeout(time.Duration(v.GetInt("engine.default_node_timeout_minutes"))*time.Minute),
		engine.WithDefaultInteractionTimeout(time.Duration(v.GetInt("engine.interaction_timeout_minutes"))*time.Minute),
		engine.WithSweepInterval(time.Duration(v.GetInt("engine.sweep_interval_seconds"))*time.Second),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithEmitter(emit.NewLogEmitter(logger)),
	)

	srv := &http.Server{
		Addr:    v.GetString("listen_addr"),
		Handler: server.New(eng, logger, registry).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	return eng.Shutdown(ctx)
}

func buildLogger(level string, console bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}
	var logger zerolog.Logger
	if console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger(), nil
}

// buildStores selects the persistence backend. The memory driver also
// serves as the workflow repository; durable drivers pair with it for
// definitions since those are owned by the external CRUD service.
func buildStores(v *viper.Viper, logger zerolog.Logger) (store.ExecutionStore, store.InteractionStore, store.WorkflowRepository, func(), error) {
	driver := v.GetString("store.driver")
	dsn := v.GetString("store.dsn")
	mem := store.NewMemStore()

	switch driver {
	case "memory":
		return mem, mem, mem, func() {}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		logger.Info().Str("path", dsn).Msg("using sqlite store")
		return s, s, mem, func() { s.Close() }, nil
	case "mysql":
		s, err := store.NewMySQLStore(dsn)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		logger.Info().Msg("using mysql store")
		return s, s, mem, func() { s.Close() }, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// unconfiguredRunner rejects program invocations until a real runner is
// wired in. The runner is an external collaborator reached over its own
// transport; deployments provide it through their own composition root.
type unconfiguredRunner struct{}

func (*unconfiguredRunner) Run(context.Context, *workflow.RunRequest) (*workflow.RunResult, error) {
	return nil, errors.New("no program runner configured")
}

// emptyCatalog resolves no programs; pair with a real catalog client in a
// full deployment.
type emptyCatalog struct{}

func (*emptyCatalog) GetProgram(_ context.Context, id string) (*workflow.Program, error) {
	return nil, fmt.Errorf("program %s not found", id)
}

func (*emptyCatalog) GetVersion(_ context.Context, id string) (*workflow.ProgramVersion, error) {
	return nil, fmt.Errorf("program version %s not found", id)
}

func (*emptyCatalog) HasActiveUIComponents(context.Context, string) (bool, error) {
	return false, nil
}
