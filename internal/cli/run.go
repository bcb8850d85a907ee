package cli

import (
	"context"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/vnykmshr/throttled/pkg/common/errors"
	"github.com/vnykmshr/throttled/pkg/ratelimit/throttle"
)

type runOptions struct {
	key  string
	rate float64
	skip bool
}

func (a *app) runCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command once its key is eligible",
		Long: `Run a command under the shared throttle. Invocations with the same key
start at least 1/rate seconds after the previous one finished, wherever they
were started from. With --skip an early invocation exits with status 75
without running the command. When the shared state cannot be locked the
command is not run and throttled exits with status 69.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("rate") {
				a.cfg.Throttle.MaxPerSecond = opts.rate
			}
			if cmd.Flags().Changed("skip") {
				a.cfg.Throttle.ReturnIfThrottled = opts.skip
			}
			return a.run(cmd, opts.key, args)
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", throttle.DefaultKey, "rate-limit key shared by related invocations")
	cmd.Flags().Float64Var(&opts.rate, "rate", 1, "maximum invocations per second for the key (overrides config)")
	cmd.Flags().BoolVar(&opts.skip, "skip", false, "exit with status 75 instead of waiting when throttled (overrides config)")
	return cmd
}

func (a *app) run(cmd *cobra.Command, key string, args []string) error {
	limiter, closeFn, err := a.openLimiter()
	if err != nil {
		return err
	}
	defer closeFn()

	ran, err := limiter.Do(cmd.Context(), key, func(ctx context.Context) error {
		child := exec.CommandContext(ctx, args[0], args[1:]...)
		child.Stdin = cmd.InOrStdin()
		child.Stdout = cmd.OutOrStdout()
		child.Stderr = cmd.ErrOrStderr()
		return child.Run()
	})
	if !ran && err == nil {
		a.logger.Info().Str("key", key).Msg("throttled, command not run")
		return &ExitError{Code: ExitThrottled}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// terminated by a signal
			code = ExitFailure
		}
		return &ExitError{Code: code}
	}
	if errors.IsLockFailure(err) {
		a.logger.Error().Err(err).Str("key", key).Msg("shared state unavailable")
		return &ExitError{Code: ExitUnavailable, Err: err}
	}
	return err
}
