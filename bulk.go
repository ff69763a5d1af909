package strata

import (
	"context"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bulkEntry tracks one row mutation across the rounds of a BulkApply call.
type bulkEntry struct {
	origIndex  int
	row        *RowMutation
	idempotent bool
	// lastErr is the most recent transient status reported for this entry, so
	// that a mutation that runs out of budget fails with its own error rather
	// than the round's.
	lastErr error
}

// bulkMutator owns the round state of a single BulkApply call: which
// mutations still need submitting, which have failed for good, and what went
// wrong last. It is not safe for concurrent use; each call builds its own.
type bulkMutator struct {
	table     string
	transient func(codes.Code) bool
	logger    log.Logger

	pending []bulkEntry
	failed  []FailedMutation
	// streamErr is the stream-level error of the most recent attempt, nil
	// when that attempt's stream ended cleanly.
	streamErr error
	// roundErr is the failure fed to the retry policy when pending is not
	// empty after an attempt: the stream error if there was one, otherwise
	// the last transient entry status, otherwise a synthetic transient error.
	roundErr error
}

func newBulkMutator(table string, idem IdempotencyPolicy, transient func(codes.Code) bool, bm *BulkMutation, logger log.Logger) *bulkMutator {
	m := &bulkMutator{
		table:     table,
		transient: transient,
		logger:    logger,
		pending:   make([]bulkEntry, 0, bm.Len()),
	}
	for i, row := range bm.rows {
		m.pending = append(m.pending, bulkEntry{
			origIndex:  i,
			row:        row,
			idempotent: idem.IsIdempotent(row),
		})
	}
	return m
}

func (m *bulkMutator) hasPending() bool {
	return len(m.pending) > 0
}

// mutate runs one MutateRows attempt over the pending mutations and
// reconciles every outcome. It returns the attempt's stream-level error so
// the caller can record it; the per-entry bookkeeping has already happened
// by the time it returns.
func (m *bulkMutator) mutate(ctx context.Context, svc Service) error {
	sent := m.pending
	m.pending = nil

	req := &MutateRowsRequest{Table: m.table, Entries: make([]*RowMutation, len(sent))}
	for i := range sent {
		req.Entries[i] = sent[i].row
	}

	// results[i] is the status reported for sent[i] this attempt; seen[i]
	// distinguishes "reported OK" from "never reported".
	results := make([]*status.Status, len(sent))
	seen := make([]bool, len(sent))

	m.streamErr = nil
	stream, err := svc.MutateRows(ctx, req)
	if err != nil {
		m.streamErr = err
	} else {
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				m.streamErr = err
				break
			}
			for _, entry := range resp.Entries {
				if entry.Index < 0 || entry.Index >= len(sent) {
					level.Warn(m.logger).Log("msg", "ignoring mutate response entry with out of range index", "index", entry.Index, "sent", len(sent))
					continue
				}
				if seen[entry.Index] {
					level.Warn(m.logger).Log("msg", "ignoring duplicate mutate response entry", "index", entry.Index)
					continue
				}
				seen[entry.Index] = true
				results[entry.Index] = entry.Status
			}
		}
	}

	m.reconcile(sent, seen, results)
	return m.streamErr
}

// reconcile decides the fate of every sent mutation: resolved, pending again,
// or failed for good.
func (m *bulkMutator) reconcile(sent []bulkEntry, seen []bool, results []*status.Status) {
	var lastEntryErr error
	for i := range sent {
		entry := sent[i]
		if !seen[i] {
			switch {
			case m.streamErr != nil:
				// The attempt died before reporting this mutation, so its
				// outcome is unknown and it must be submitted again whether
				// or not it is idempotent.
				m.pending = append(m.pending, entry)
			case entry.idempotent:
				m.pending = append(m.pending, entry)
			default:
				m.fail(entry, status.Error(codes.Internal, "stream closed without an outcome for a non-idempotent mutation"))
			}
			continue
		}
		st := results[i]
		code := st.Code()
		switch {
		case code == codes.OK:
			// Applied. The outcome stands even if the stream failed later in
			// the same attempt.
		case m.transient(code) && entry.idempotent:
			entry.lastErr = st.Err()
			lastEntryErr = entry.lastErr
			m.pending = append(m.pending, entry)
		default:
			m.fail(entry, st.Err())
		}
	}

	switch {
	case m.streamErr != nil:
		m.roundErr = m.streamErr
	case lastEntryErr != nil:
		m.roundErr = lastEntryErr
	default:
		m.roundErr = status.Error(codes.Unavailable, "stream closed before reporting every mutation")
	}
}

func (m *bulkMutator) fail(entry bulkEntry, err error) {
	m.failed = append(m.failed, FailedMutation{Index: entry.origIndex, Row: entry.row, Err: err})
}

// fold finalizes every pending mutation as failed once no further attempt
// will run. A mutation that has its own last error keeps it; the rest take
// cause.
func (m *bulkMutator) fold(cause error) {
	for _, entry := range m.pending {
		err := entry.lastErr
		if err == nil {
			err = cause
		}
		m.fail(entry, err)
	}
	m.pending = nil
}
