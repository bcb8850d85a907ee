package cli

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/throttled/pkg/common/validation"
)

type benchOptions struct {
	key      string
	rate     float64
	workers  int
	duration time.Duration
	skip     bool
}

// benchResult summarises one bench run.
type benchResult struct {
	Permitted int
	Skipped   int64
	MinGap    time.Duration
	Elapsed   time.Duration
}

func (a *app) benchCommand() *cobra.Command {
	opts := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Hammer one key from many goroutines and report the spacing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validation.ValidatePositive("bench", "--workers", opts.workers); err != nil {
				return &ExitError{Code: ExitUsage, Err: err}
			}
			if err := validation.ValidatePositiveDuration("bench", "--duration", opts.duration); err != nil {
				return &ExitError{Code: ExitUsage, Err: err}
			}
			if cmd.Flags().Changed("rate") {
				a.cfg.Throttle.MaxPerSecond = opts.rate
			}
			if cmd.Flags().Changed("skip") {
				a.cfg.Throttle.ReturnIfThrottled = opts.skip
			}

			res, err := a.bench(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "permitted=%d skipped=%d min_gap=%s elapsed=%s\n",
				res.Permitted, res.Skipped, res.MinGap, res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.key, "key", "bench", "key shared by all workers")
	cmd.Flags().Float64Var(&opts.rate, "rate", 10, "maximum calls per second (overrides config)")
	cmd.Flags().IntVar(&opts.workers, "workers", 8, "concurrent callers")
	cmd.Flags().DurationVar(&opts.duration, "duration", 2*time.Second, "how long to run")
	cmd.Flags().BoolVar(&opts.skip, "skip", false, "skip throttled calls instead of waiting (overrides config)")
	return cmd
}

func (a *app) bench(ctx context.Context, opts *benchOptions) (benchResult, error) {
	limiter, closeFn, err := a.openLimiter()
	if err != nil {
		return benchResult{}, err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var (
		mu      sync.Mutex
		calls   []time.Time
		skipped atomic.Int64
	)
	record := func(context.Context) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil
	}

	start := time.Now()
	p := pool.New().WithMaxGoroutines(opts.workers).WithErrors().WithContext(ctx)
	for i := 0; i < opts.workers; i++ {
		p.Go(func(ctx context.Context) error {
			for ctx.Err() == nil {
				ran, err := limiter.Do(ctx, opts.key, record)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if !ran {
					skipped.Add(1)
				}
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return benchResult{}, err
	}

	sort.Slice(calls, func(i, j int) bool { return calls[i].Before(calls[j]) })
	res := benchResult{
		Permitted: len(calls),
		Skipped:   skipped.Load(),
		MinGap:    -1,
		Elapsed:   time.Since(start),
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); res.MinGap < 0 || gap < res.MinGap {
			res.MinGap = gap
		}
	}
	a.logger.Debug().Int("permitted", res.Permitted).Int64("skipped", res.Skipped).Msg("bench done")
	return res, nil
}
