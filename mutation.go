package strata

import (
	"time"
)

// Timestamp is the number of microseconds since the Unix epoch at which a
// cell is written.
type Timestamp int64

// ServerTime is a sentinel timestamp requesting that the service assign the
// cell timestamp when the mutation is applied. Mutations carrying it are not
// idempotent under SafeIdempotency: replaying them writes distinct cells.
const ServerTime Timestamp = -1

// Now returns the Timestamp for the current time.
func Now() Timestamp {
	return Time(time.Now())
}

// Time converts a time.Time into a Timestamp.
func Time(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Time converts a Timestamp into a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMicro(int64(ts))
}

// Op is a single cell-level operation within a RowMutation. The concrete
// types are SetCell, DeleteColumn, DeleteFamily, DeleteRange and DeleteRow.
// Transports serialize these; the client never interprets values.
type Op interface {
	isOp()
}

// SetCell writes value into the cell addressed by family and column at the
// given timestamp. A Timestamp of ServerTime defers timestamping to the
// service.
type SetCell struct {
	Family    string
	Column    string
	Timestamp Timestamp
	Value     []byte
}

// DeleteColumn deletes every cell in a single column of the row.
type DeleteColumn struct {
	Family string
	Column string
}

// DeleteFamily deletes every cell in a column family of the row.
type DeleteFamily struct {
	Family string
}

// DeleteRange deletes the cells in a column whose timestamps fall in
// [Start, End).
type DeleteRange struct {
	Family string
	Column string
	Start  Timestamp
	End    Timestamp
}

// DeleteRow deletes the entire row.
type DeleteRow struct{}

func (SetCell) isOp()      {}
func (DeleteColumn) isOp() {}
func (DeleteFamily) isOp() {}
func (DeleteRange) isOp()  {}
func (DeleteRow) isOp()    {}

// RowMutation is an ordered list of operations applied atomically to a single
// row. Build one with NewRowMutation and the appending methods, then hand it
// to Table.Apply or include it in a BulkMutation. A RowMutation must not be
// modified after it has been submitted.
type RowMutation struct {
	key string
	ops []Op
}

// NewRowMutation returns an empty mutation for the row with the given key.
func NewRowMutation(key string) *RowMutation {
	return &RowMutation{key: key}
}

// Key returns the key of the row this mutation applies to.
func (m *RowMutation) Key() string {
	return m.key
}

// Ops returns the operations in application order. The returned slice is the
// mutation's backing storage and must be treated as read only.
func (m *RowMutation) Ops() []Op {
	return m.ops
}

// Set appends a cell write. Pass ServerTime as ts to let the service assign
// the timestamp, at the cost of making the mutation non-idempotent.
func (m *RowMutation) Set(family, column string, ts Timestamp, value []byte) {
	m.ops = append(m.ops, SetCell{Family: family, Column: column, Timestamp: ts, Value: value})
}

// DeleteCellsInColumn appends the deletion of all cells in the given column.
func (m *RowMutation) DeleteCellsInColumn(family, column string) {
	m.ops = append(m.ops, DeleteColumn{Family: family, Column: column})
}

// DeleteCellsInFamily appends the deletion of all cells in the given column
// family.
func (m *RowMutation) DeleteCellsInFamily(family string) {
	m.ops = append(m.ops, DeleteFamily{Family: family})
}

// DeleteTimestampRange appends the deletion of the cells in the given column
// whose timestamps lie in the half-open interval [start, end).
func (m *RowMutation) DeleteTimestampRange(family, column string, start, end Timestamp) {
	m.ops = append(m.ops, DeleteRange{Family: family, Column: column, Start: start, End: end})
}

// DeleteRow appends the deletion of the whole row, discarding the effect of
// any operation before it.
func (m *RowMutation) DeleteRow() {
	m.ops = append(m.ops, DeleteRow{})
}

// BulkMutation is an ordered collection of row mutations submitted together
// through Table.BulkApply. Mutations keep their position: failures are
// reported against the index a mutation had when it was added, however many
// retry rounds it took to resolve it.
type BulkMutation struct {
	rows []*RowMutation
}

// NewBulkMutation returns a BulkMutation holding the given rows.
func NewBulkMutation(rows ...*RowMutation) *BulkMutation {
	return &BulkMutation{rows: rows}
}

// Add appends a row mutation to the batch.
func (b *BulkMutation) Add(rm *RowMutation) {
	b.rows = append(b.rows, rm)
}

// Len returns the number of row mutations in the batch.
func (b *BulkMutation) Len() int {
	if b == nil {
		return 0
	}
	return len(b.rows)
}
