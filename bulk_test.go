package strata

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mockStream replays scripted responses and then ends: cleanly with io.EOF
// when err is nil, with err otherwise.
type mockStream struct {
	responses []*MutateRowsResponse
	err       error
}

func (s *mockStream) Recv() (*MutateRowsResponse, error) {
	if len(s.responses) > 0 {
		r := s.responses[0]
		s.responses = s.responses[1:]
		return r, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

type mockAttempt struct {
	openErr error
	stream  *mockStream
}

// mockService scripts the outcome of consecutive MutateRows attempts and
// records every request it sees.
type mockService struct {
	mtx      sync.Mutex
	attempts []mockAttempt
	requests []*MutateRowsRequest

	rowErrs  []error
	rowCalls []*MutateRowRequest
}

func newMockService(attempts ...mockAttempt) *mockService {
	return &mockService{attempts: attempts}
}

func attemptOf(terminalErr error, responses ...*MutateRowsResponse) mockAttempt {
	return mockAttempt{stream: &mockStream{responses: responses, err: terminalErr}}
}

func brokenAttempt(openErr error) mockAttempt {
	return mockAttempt{openErr: openErr}
}

func (m *mockService) MutateRows(_ context.Context, req *MutateRowsRequest) (MutateRowsStream, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.requests = append(m.requests, req)
	if len(m.attempts) == 0 {
		return nil, status.Error(codes.Internal, "mock: no attempt scripted")
	}
	a := m.attempts[0]
	m.attempts = m.attempts[1:]
	if a.openErr != nil {
		return nil, a.openErr
	}
	return a.stream, nil
}

func (m *mockService) MutateRow(_ context.Context, req *MutateRowRequest) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.rowCalls = append(m.rowCalls, req)
	if len(m.rowErrs) == 0 {
		return nil
	}
	err := m.rowErrs[0]
	m.rowErrs = m.rowErrs[1:]
	return err
}

// attemptKeys returns the row keys submitted by the i-th attempt.
func (m *mockService) attemptKeys(i int) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	keys := make([]string, 0, len(m.requests[i].Entries))
	for _, row := range m.requests[i].Entries {
		keys = append(keys, row.Key())
	}
	return keys
}

func respOf(entries ...ResponseEntry) *MutateRowsResponse {
	return &MutateRowsResponse{Entries: entries}
}

func okEntry(index int) ResponseEntry {
	return ResponseEntry{Index: index}
}

func failEntry(index int, code codes.Code, msg string) ResponseEntry {
	return ResponseEntry{Index: index, Status: status.New(code, msg)}
}

func newTestTable(t *testing.T, svc Service, opts ...TableOption) *Table {
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.Backoff.MinBackoff = time.Millisecond
	cfg.Backoff.MaxBackoff = 4 * time.Millisecond

	c, err := NewClient(cfg, svc, log.NewNopLogger(), nil)
	require.NoError(t, err)
	return c.Table("events", opts...)
}

func idempotentRow(key string) *RowMutation {
	m := NewRowMutation(key)
	m.Set("fam", "col", 0, []byte("value"))
	return m
}

func serverTimeRow(key string) *RowMutation {
	m := NewRowMutation(key)
	m.Set("fam", "col", ServerTime, []byte("value"))
	return m
}

func TestBulkApplyAppliesAllInOneRound(t *testing.T) {
	// Outcomes arrive over two responses, in reverse order; both variations
	// must be transparent to the caller.
	svc := newMockService(
		attemptOf(nil, respOf(okEntry(1)), respOf(okEntry(0))),
	)
	tbl := newTestTable(t, svc)

	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow("bar"),
	))
	require.NoError(t, err)
	require.Len(t, svc.requests, 1)
	assert.Equal(t, []string{"foo", "bar"}, svc.attemptKeys(0))
}

func TestBulkApplyRetriesTransientEntries(t *testing.T) {
	svc := newMockService(
		attemptOf(nil, respOf(failEntry(0, codes.Unavailable, "try again"), okEntry(1))),
		attemptOf(nil, respOf(okEntry(0))),
	)
	tbl := newTestTable(t, svc)

	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow("bar"),
	))
	require.NoError(t, err)

	// Only the failed mutation goes into the second round.
	require.Len(t, svc.requests, 2)
	assert.Equal(t, []string{"foo"}, svc.attemptKeys(1))
	require.Equal(t, float64(1), testutil.ToFloat64(tbl.metrics.retriedMutations))
}

func TestBulkApplyPermanentEntryFailure(t *testing.T) {
	svc := newMockService(
		attemptOf(nil, respOf(okEntry(0), failEntry(1, codes.OutOfRange, "row out of range"))),
	)
	tbl := newTestTable(t, svc)

	bar := idempotentRow("bar")
	err := tbl.BulkApply(context.Background(), NewBulkMutation(idempotentRow("foo"), bar))

	var bf *BulkFailure
	require.ErrorAs(t, err, &bf)
	require.Len(t, bf.Failed, 1)
	assert.Equal(t, 1, bf.Failed[0].Index)
	assert.Same(t, bar, bf.Failed[0].Row)
	assert.Equal(t, codes.OutOfRange, status.Code(bf.Failed[0].Err))
	assert.NoError(t, bf.LastErr)
	require.Len(t, svc.requests, 1)
	require.Equal(t, float64(1), testutil.ToFloat64(tbl.metrics.failedMutations))
}

func TestBulkApplyResubmitsAfterTruncatedStream(t *testing.T) {
	// The first stream ends cleanly having reported only one of the two
	// mutations. The unreported one is idempotent, so it goes into a second
	// round on its own.
	svc := newMockService(
		attemptOf(nil, respOf(okEntry(0))),
		attemptOf(nil, respOf(okEntry(0))),
	)
	tbl := newTestTable(t, svc)

	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow("bar"),
	))
	require.NoError(t, err)
	require.Len(t, svc.requests, 2)
	assert.Equal(t, []string{"bar"}, svc.attemptKeys(1))
}

func TestBulkApplyStopsAfterTooManyFailures(t *testing.T) {
	// A budget of 2 transient failures allows exactly 3 attempts. Every
	// attempt dies with an aborted stream, the mutation reported in the first
	// one stays applied.
	svc := newMockService(
		attemptOf(status.Error(codes.Aborted, "shard moving"), respOf(okEntry(0))),
		attemptOf(status.Error(codes.Aborted, "shard moving")),
		attemptOf(status.Error(codes.Aborted, "shard moving")),
	)
	tbl := newTestTable(t, svc, WithRetryPolicy(NewLimitedFailures(2)))

	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow("bar"),
	))

	var bf *BulkFailure
	require.ErrorAs(t, err, &bf)
	require.Len(t, bf.Failed, 1)
	assert.Equal(t, 1, bf.Failed[0].Index)
	assert.Equal(t, codes.Aborted, status.Code(bf.Failed[0].Err))
	assert.Equal(t, codes.Aborted, status.Code(bf.LastErr))
	assert.Len(t, svc.requests, 3)
}

func TestBulkApplyRetriesOnlyIdempotent(t *testing.T) {
	// The first stream ends cleanly without reporting anything. The
	// idempotent mutation may be submitted again; the server-timestamped one
	// must not, since it could already have been applied.
	svc := newMockService(
		attemptOf(nil),
		attemptOf(nil, respOf(okEntry(0))),
	)
	tbl := newTestTable(t, svc)

	notIdempotent := serverTimeRow("not-idempotent")
	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("is-idempotent"),
		notIdempotent,
	))

	var bf *BulkFailure
	require.ErrorAs(t, err, &bf)
	require.Len(t, bf.Failed, 1)
	assert.Equal(t, 1, bf.Failed[0].Index)
	assert.Same(t, notIdempotent, bf.Failed[0].Row)
	assert.Equal(t, codes.Internal, status.Code(bf.Failed[0].Err))

	require.Len(t, svc.requests, 2)
	assert.Equal(t, []string{"is-idempotent"}, svc.attemptKeys(1))
}

func TestBulkApplyFailedStream(t *testing.T) {
	svc := newMockService(
		attemptOf(status.Error(codes.FailedPrecondition, "no such table")),
	)
	tbl := newTestTable(t, svc)

	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow("bar"),
	))

	var bf *BulkFailure
	require.ErrorAs(t, err, &bf)
	require.Len(t, bf.Failed, 2)
	for i, f := range bf.Failed {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, codes.FailedPrecondition, status.Code(f.Err))
	}
	assert.Equal(t, codes.FailedPrecondition, status.Code(bf.LastErr))
	assert.Equal(t, "no such table", status.Convert(bf.LastErr).Message())
	assert.Len(t, svc.requests, 1)
}

func TestBulkApplyChannelFailureRetriesNonIdempotent(t *testing.T) {
	// When the attempt fails before reporting anything the mutation may never
	// have reached the service, so even a non-idempotent mutation is
	// submitted again.
	svc := newMockService(
		brokenAttempt(status.Error(codes.Unavailable, "connection reset")),
		attemptOf(nil, respOf(okEntry(0))),
	)
	tbl := newTestTable(t, svc)

	err := tbl.BulkApply(context.Background(), NewBulkMutation(serverTimeRow("srv")))
	require.NoError(t, err)
	assert.Len(t, svc.requests, 2)
}

func TestBulkApplyReportsLastEntryError(t *testing.T) {
	// When the budget runs out, a mutation that got per-entry statuses is
	// reported with the last of them rather than with a round-level error.
	svc := newMockService(
		attemptOf(nil, respOf(failEntry(0, codes.Unavailable, "throttled-1"))),
		attemptOf(nil, respOf(failEntry(0, codes.Unavailable, "throttled-2"))),
	)
	tbl := newTestTable(t, svc, WithRetryPolicy(NewLimitedFailures(1)))

	err := tbl.BulkApply(context.Background(), NewBulkMutation(idempotentRow("foo")))

	var bf *BulkFailure
	require.ErrorAs(t, err, &bf)
	require.Len(t, bf.Failed, 1)
	assert.Equal(t, codes.Unavailable, status.Code(bf.Failed[0].Err))
	assert.Equal(t, "throttled-2", status.Convert(bf.Failed[0].Err).Message())
	assert.Len(t, svc.requests, 2)
}

func TestBulkApplyEmptyBatch(t *testing.T) {
	svc := newMockService()
	tbl := newTestTable(t, svc)

	require.NoError(t, tbl.BulkApply(context.Background(), NewBulkMutation()))
	require.NoError(t, tbl.BulkApply(context.Background(), nil))
	assert.Empty(t, svc.requests)
}

func TestBulkApplyEmptyRowKey(t *testing.T) {
	svc := newMockService()
	tbl := newTestTable(t, svc)

	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow(""),
	))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, svc.requests, "nothing must be submitted when validation fails")
}

func TestBulkApplyIgnoresMalformedEntries(t *testing.T) {
	// Duplicate and out of range indexes come from a misbehaving server; they
	// must not derail the entries that were reported properly.
	svc := newMockService(
		attemptOf(nil, respOf(okEntry(0), okEntry(0), okEntry(7), okEntry(1))),
	)
	tbl := newTestTable(t, svc)

	err := tbl.BulkApply(context.Background(), NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow("bar"),
	))
	require.NoError(t, err)
	assert.Len(t, svc.requests, 1)
}

// cancelingBackoff cancels the call's context the moment the engine asks for
// a delay, then returns one long enough that only cancellation can end the
// wait.
type cancelingBackoff struct {
	cancel context.CancelFunc
}

func (b *cancelingBackoff) NextDelay() time.Duration {
	b.cancel()
	return time.Hour
}

func (b *cancelingBackoff) Clone() BackoffPolicy { return b }

func TestBulkApplyCanceledDuringBackoff(t *testing.T) {
	svc := newMockService(
		attemptOf(nil, respOf(failEntry(0, codes.Unavailable, "throttled"))),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tbl := newTestTable(t, svc, WithBackoffPolicy(&cancelingBackoff{cancel: cancel}))

	err := tbl.BulkApply(ctx, NewBulkMutation(
		idempotentRow("foo"),
		idempotentRow("bar"),
	))

	var bf *BulkFailure
	require.ErrorAs(t, err, &bf)
	require.Len(t, bf.Failed, 2)
	// foo got its own transient status, bar never got one and takes the
	// cancellation.
	assert.Equal(t, codes.Unavailable, status.Code(bf.Failed[0].Err))
	assert.Equal(t, codes.Canceled, status.Code(bf.Failed[1].Err))
	assert.Len(t, svc.requests, 1)
	// Nothing was resubmitted, so nothing counts as retried.
	require.Equal(t, float64(0), testutil.ToFloat64(tbl.metrics.retriedMutations))
}

func TestBulkApplyObservesRounds(t *testing.T) {
	svc := newMockService(
		attemptOf(nil, respOf(failEntry(0, codes.Unavailable, "try again"))),
		attemptOf(nil, respOf(okEntry(0))),
	)
	tbl := newTestTable(t, svc)

	require.NoError(t, tbl.BulkApply(context.Background(), NewBulkMutation(idempotentRow("foo"))))

	// One call of two rounds: a single observation of 2.
	expected := `
# HELP strata_bulk_apply_rounds Number of rounds a BulkApply call took to finish.
# TYPE strata_bulk_apply_rounds histogram
strata_bulk_apply_rounds_bucket{le="1"} 0
strata_bulk_apply_rounds_bucket{le="2"} 1
strata_bulk_apply_rounds_bucket{le="3"} 1
strata_bulk_apply_rounds_bucket{le="4"} 1
strata_bulk_apply_rounds_bucket{le="5"} 1
strata_bulk_apply_rounds_bucket{le="6"} 1
strata_bulk_apply_rounds_bucket{le="7"} 1
strata_bulk_apply_rounds_bucket{le="8"} 1
strata_bulk_apply_rounds_bucket{le="9"} 1
strata_bulk_apply_rounds_bucket{le="10"} 1
strata_bulk_apply_rounds_bucket{le="+Inf"} 1
strata_bulk_apply_rounds_sum 2
strata_bulk_apply_rounds_count 1
`
	require.NoError(t, testutil.CollectAndCompare(tbl.metrics.bulkRounds, strings.NewReader(expected)))
}
