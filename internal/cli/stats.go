package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/throttled/pkg/ratelimit/throttle"
)

type statsOptions struct {
	keys  []string
	watch string
}

func (a *app) statsCommand() *cobra.Command {
	opts := &statsOptions{}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the shared state of keys",
		Long: `Print the attempt count and last call time recorded for each key. With
--watch the report repeats on a cron schedule (for example "@every 5s" or
"*/1 * * * *") until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.stats(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.keys, "key", []string{throttle.DefaultKey}, "keys to report (repeatable)")
	cmd.Flags().StringVar(&opts.watch, "watch", "", "cron schedule for repeated reports")
	return cmd
}

func (a *app) stats(cmd *cobra.Command, opts *statsOptions) error {
	var schedule cron.Schedule
	if opts.watch != "" {
		var err error
		schedule, err = cron.ParseStandard(opts.watch)
		if err != nil {
			return &ExitError{Code: ExitUsage, Err: fmt.Errorf("invalid --watch schedule: %w", err)}
		}
	}

	limiter, closeFn, err := a.openLimiter()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	report := func() error {
		for _, key := range opts.keys {
			st, err := limiter.Stats(ctx, key)
			if err != nil {
				return err
			}
			writeStats(out, st)
		}
		return nil
	}

	if err := report(); err != nil {
		return err
	}
	if schedule == nil {
		return nil
	}

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		if err := report(); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("stats report")
		}
	}))
	c.Start()
	a.logger.Debug().Str("schedule", opts.watch).Msg("watching")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func writeStats(w io.Writer, st throttle.Stats) {
	last := "never"
	if !st.LastCalledAt.IsZero() {
		last = st.LastCalledAt.UTC().Format(time.RFC3339Nano)
	}
	fmt.Fprintf(w, "key=%s state=%s count=%d last_called_at=%s\n", st.Key, st.State, st.Count, last)
}
