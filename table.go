package strata

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/grpcutil"
	"github.com/grafana/dskit/instrument"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Table issues mutations against a single table. Tables are lightweight:
// they hold a name and the policies to apply mutations with, and share the
// client's transport and metrics. A Table is safe for concurrent use.
type Table struct {
	name      string
	svc       Service
	logger    log.Logger
	metrics   *clientMetrics
	retry     RetryPolicy
	backoff   BackoffPolicy
	idem      IdempotencyPolicy
	transient func(codes.Code) bool
}

// TableOption overrides one of a table's policies at construction.
type TableOption func(*Table)

// WithRetryPolicy sets the policy deciding how many failed attempts a call
// may make. The table clones it per call.
func WithRetryPolicy(p RetryPolicy) TableOption {
	return func(t *Table) { t.retry = p }
}

// WithBackoffPolicy sets the policy producing the delays between attempts.
// The table clones it per call.
func WithBackoffPolicy(p BackoffPolicy) TableOption {
	return func(t *Table) { t.backoff = p }
}

// WithIdempotencyPolicy sets the policy deciding which mutations may be
// submitted again after an attempt with an unknown outcome.
func WithIdempotencyPolicy(p IdempotencyPolicy) TableOption {
	return func(t *Table) { t.idem = p }
}

// WithTransientClassifier sets the classification of status codes into
// transient and permanent, for both the per-mutation verdicts and the
// default retry policy.
func WithTransientClassifier(f func(codes.Code) bool) TableOption {
	return func(t *Table) { t.transient = f }
}

// Apply applies a single row mutation atomically and returns nil once it is
// durably applied. If the mutation is idempotent under the table's policy it
// is retried on transient failures; otherwise it is attempted exactly once,
// because a failed attempt may still have landed.
func (t *Table) Apply(ctx context.Context, rm *RowMutation) error {
	if rm.Key() == "" {
		return status.Error(codes.InvalidArgument, "row mutation has an empty key")
	}

	retry := t.retry.Clone()
	bk := t.backoff.Clone()
	idempotent := t.idem.IsIdempotent(rm)
	req := &MutateRowRequest{Table: t.name, Row: rm}

	for {
		err := instrument.CollectedRequest(ctx, "Strata.MutateRow", t.metrics.requestDuration, instrument.ErrorCode, func(ctx context.Context) error {
			return t.svc.MutateRow(ctx, req)
		})
		if err == nil {
			return nil
		}
		if !idempotent || grpcutil.IsCanceled(err) {
			return err
		}
		if !retry.OnFailure(err) {
			return err
		}
		delay := bk.NextDelay()
		level.Debug(t.logger).Log("msg", "retrying apply", "key", rm.Key(), "retry_in", delay, "err", err)
		if err := waitBackoff(ctx, delay); err != nil {
			return err
		}
	}
}

// BulkApply applies every mutation in bm and returns nil only when all of
// them were applied. Any other outcome is a *BulkFailure listing the
// mutations that were not applied, each with the error that sealed its fate
// and its index in bm.
//
// Mutations failing with a transient status are resubmitted in further
// rounds while they are idempotent under the table's policy and the retry
// budget lasts. When an attempt's stream dies before reporting a mutation,
// that mutation's outcome is unknown and it is resubmitted regardless of
// idempotency. When the stream ends cleanly without reporting a mutation,
// only an idempotent one is resubmitted; a non-idempotent one fails, as the
// service may have applied it without saying so.
func (t *Table) BulkApply(ctx context.Context, bm *BulkMutation) error {
	if bm.Len() == 0 {
		return nil
	}
	for i, row := range bm.rows {
		if row.Key() == "" {
			return status.Errorf(codes.InvalidArgument, "row mutation %d has an empty key", i)
		}
	}

	retry := t.retry.Clone()
	bk := t.backoff.Clone()
	mut := newBulkMutator(t.name, t.idem, t.transient, bm, t.logger)

	rounds := 0
	for mut.hasPending() {
		rounds++
		_ = instrument.CollectedRequest(ctx, "Strata.MutateRows", t.metrics.requestDuration, instrument.ErrorCode, func(ctx context.Context) error {
			return mut.mutate(ctx, t.svc)
		})
		if !mut.hasPending() {
			break
		}

		roundErr := mut.roundErr
		if grpcutil.IsCanceled(roundErr) {
			mut.fold(roundErr)
			break
		}
		if !retry.OnFailure(roundErr) {
			level.Warn(t.logger).Log("msg", "giving up on bulk apply", "rounds", rounds, "pending", len(mut.pending), "err", roundErr)
			mut.fold(roundErr)
			break
		}
		delay := bk.NextDelay()
		level.Debug(t.logger).Log("msg", "retrying bulk apply", "pending", len(mut.pending), "retry_in", delay, "err", roundErr)
		if err := waitBackoff(ctx, delay); err != nil {
			mut.fold(err)
			break
		}
		// Counted only once the wait is over: a mutation folded into the
		// failure during the wait was never resubmitted.
		t.metrics.retriedMutations.Add(float64(len(mut.pending)))
	}

	t.metrics.bulkRounds.Observe(float64(rounds))
	if len(mut.failed) > 0 {
		t.metrics.failedMutations.Add(float64(len(mut.failed)))
		return &BulkFailure{Failed: mut.failed, LastErr: mut.streamErr}
	}
	return nil
}

// waitBackoff sleeps for delay unless ctx ends first, in which case it
// returns the context's error as a status error.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	case <-time.After(delay):
		return nil
	}
}
