// Package cli implements the throttled command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/throttled/internal/config"
	"github.com/vnykmshr/throttled/internal/logging"
	"github.com/vnykmshr/throttled/pkg/metrics"
	"github.com/vnykmshr/throttled/pkg/ratelimit/throttle"
)

// Exit codes returned by Execute.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitThrottled   = 75 // EX_TEMPFAIL
	ExitUnavailable = 69 // EX_UNAVAILABLE, the shared state could not be locked
)

// ExitError carries a process exit code out of a command. Err, when set,
// is printed before exiting.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// app holds the state shared by all subcommands of one invocation.
type app struct {
	cfgFile     string
	logLevel    string
	backendKind string
	stateDir    string
	metricsAddr string

	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	server   *http.Server
}

// Execute runs the command line with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{logger: zerolog.Nop()}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.stopMetrics()
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitFailure
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "throttled",
		Short: "Run commands under a rate limit shared between processes",
		Long: `throttled spaces invocations that share a key at least 1/rate seconds
apart, across every process using the same state directory or Redis server.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default $"+config.EnvPath+")")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	flags.StringVar(&a.backendKind, "backend", "", "state backend: memory|file|redis (overrides config)")
	flags.StringVar(&a.stateDir, "state-dir", "", "directory of the file backend (overrides config)")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(a.runCommand(), a.statsCommand(), a.benchCommand())
	return root
}

// setup loads the configuration, applies flag overrides and starts the
// metrics endpoint when enabled.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	var (
		cfg config.Config
		err error
	)
	if a.cfgFile != "" {
		cfg, err = config.Load(a.cfgFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: fmt.Errorf("load config: %w", err)}
	}

	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.backendKind != "" {
		cfg.Backend.Kind = a.backendKind
	}
	if a.stateDir != "" {
		cfg.Backend.File.Dir = a.stateDir
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = a.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}

	a.cfg = cfg
	a.logger = logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())

	if cfg.Metrics.Enabled {
		a.startMetrics()
	}
	return nil
}

// openLimiter builds the configured backend and a limiter over it. The
// returned function closes both.
func (a *app) openLimiter() (*throttle.Limiter, func(), error) {
	backend, err := a.cfg.BuildBackend()
	if err != nil {
		return nil, nil, err
	}

	tc := a.cfg.ThrottleConfig(backend)
	tc.Logger = &a.logger
	if a.registry != nil {
		tc.Metrics = metrics.Config{Enabled: true, Registry: a.registry}
	}

	limiter, err := throttle.NewWithConfig(tc)
	if err != nil {
		_ = backend.Close()
		return nil, nil, &ExitError{Code: ExitUsage, Err: err}
	}

	closeFn := func() {
		if err := limiter.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close limiter")
		}
		if err := backend.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close backend")
		}
	}
	return limiter, closeFn, nil
}

func (a *app) startMetrics() {
	a.registry = prometheus.NewRegistry()

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := a.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", server.Addr).Msg("metrics server")
		}
	}()
	a.logger.Info().Str("addr", a.cfg.Metrics.Addr).Str("path", a.cfg.Metrics.Path).Msg("serving metrics")
}

func (a *app) stopMetrics() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown metrics server")
	}
	a.server = nil
}
