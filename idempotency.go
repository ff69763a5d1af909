package strata

// IdempotencyPolicy decides whether a row mutation may be submitted again
// when the outcome of an earlier attempt is unknown. Implementations must be
// safe for concurrent use; one policy instance is shared by every call on a
// Table.
type IdempotencyPolicy interface {
	IsIdempotent(*RowMutation) bool
}

// SafeIdempotency is the default policy. A mutation is idempotent only when
// replaying it cannot produce a different outcome: deletes qualify, and a
// SetCell qualifies only if it carries an explicit timestamp. A ServerTime
// write lands in a fresh cell on every attempt, so it is never retried.
type SafeIdempotency struct{}

// IsIdempotent implements IdempotencyPolicy.
func (SafeIdempotency) IsIdempotent(m *RowMutation) bool {
	for _, op := range m.Ops() {
		if set, ok := op.(SetCell); ok && set.Timestamp == ServerTime {
			return false
		}
	}
	return true
}

// AlwaysIdempotent treats every mutation as retryable, including ServerTime
// writes. Use it only when duplicated cells are acceptable to the
// application.
type AlwaysIdempotent struct{}

// IsIdempotent implements IdempotencyPolicy.
func (AlwaysIdempotent) IsIdempotent(*RowMutation) bool { return true }
