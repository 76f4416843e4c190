package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtiwari1/pairmerge/internal/merge"
)

// Summary aggregates the cycles run by Drain.
type Summary struct {
	Cycles   int
	Merged   int
	Outcomes map[merge.Outcome]int
	Results  []*merge.Result
}

// DrainOptions configures Drain.
type DrainOptions struct {
	Workers int
	JobName string

	// RetryNoCommonColumns hands a worker another cycle after its pair shared
	// no columns. Only set it when the engine dead-letters such pairs after a
	// bounded number of attempts, otherwise the same pair is retried forever.
	RetryNoCommonColumns bool
}

// Drain runs merge cycles on a pool of workers until every worker reports a
// cycle that found no more work. A worker whose cycle merged or lost a claim
// race is handed another cycle. Errors stop that worker's chain and are joined
// into the returned error.
func Drain(ctx context.Context, runner Runner, opts DrainOptions, logger *slog.Logger) (*Summary, error) {
	jobName := opts.JobName
	pool := NewPool(opts.Workers, runner, logger)
	pool.Start()

	sum := &Summary{Outcomes: make(map[merge.Outcome]int)}
	seq := 0
	next := func() Job {
		seq++
		return Job{Ctx: ctx, RunID: fmt.Sprintf("%s-%d", jobName, seq)}
	}

	inFlight := 0
	for i := 0; i < pool.Workers(); i++ {
		if pool.Submit(next()) {
			inFlight++
		}
	}

	var errs []error
	for inFlight > 0 {
		r := <-pool.Results()
		inFlight--
		sum.Cycles++

		if r.Err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", r.RunID, r.Err))
			continue
		}
		sum.Outcomes[r.Merge.Outcome]++
		sum.Results = append(sum.Results, r.Merge)
		if r.Merge.Outcome == merge.OutcomeMerged {
			sum.Merged++
		}

		if !opts.again(r.Merge.Outcome) || ctx.Err() != nil {
			continue
		}
		if pool.Submit(next()) {
			inFlight++
		}
	}
	pool.Shutdown()

	logger.Info("drain finished",
		slog.String("job_name", jobName),
		slog.Int("cycles", sum.Cycles),
		slog.Int("merged", sum.Merged),
		slog.Int("errors", len(errs)),
	)
	return sum, errors.Join(errs...)
}

func (o DrainOptions) again(out merge.Outcome) bool {
	switch out {
	case merge.OutcomeMerged, merge.OutcomeContended:
		return true
	case merge.OutcomeNoCommonColumns:
		return o.RetryNoCommonColumns
	}
	return false
}
