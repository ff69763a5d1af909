package strata

import (
	"context"
	"io"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InMemoryService is a Service backed by process memory. It applies
// mutations to real rows, so application code can run against it in tests
// without a Strata deployment. Tables spring into existence on first write.
// It is safe for concurrent use.
type InMemoryService struct {
	mtx    sync.RWMutex
	tables map[string]memTable
}

// memTable maps row key -> family -> column -> timestamp -> value.
type memTable map[string]map[string]map[string]map[Timestamp][]byte

// NewInMemoryService returns an empty in-memory service.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{tables: map[string]memTable{}}
}

// MutateRow implements Service.
func (s *InMemoryService) MutateRow(_ context.Context, req *MutateRowRequest) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.apply(req.Table, req.Row)
}

// MutateRows implements Service. Every entry is applied and reported in a
// single response, then the stream ends.
func (s *InMemoryService) MutateRows(_ context.Context, req *MutateRowsRequest) (MutateRowsStream, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	resp := &MutateRowsResponse{Entries: make([]ResponseEntry, 0, len(req.Entries))}
	for i, row := range req.Entries {
		entry := ResponseEntry{Index: i}
		if err := s.apply(req.Table, row); err != nil {
			entry.Status = status.Convert(err)
		}
		resp.Entries = append(resp.Entries, entry)
	}
	return &inMemoryStream{resp: resp}, nil
}

// apply runs every operation of the mutation under the service lock, so a
// row mutation is atomic the way the real service guarantees.
func (s *InMemoryService) apply(table string, rm *RowMutation) error {
	if rm.Key() == "" {
		return status.Error(codes.InvalidArgument, "empty row key")
	}

	t, ok := s.tables[table]
	if !ok {
		t = memTable{}
		s.tables[table] = t
	}

	row := t[rm.Key()]
	if row == nil {
		row = map[string]map[string]map[Timestamp][]byte{}
		t[rm.Key()] = row
	}

	for _, op := range rm.Ops() {
		switch op := op.(type) {
		case SetCell:
			ts := op.Timestamp
			if ts == ServerTime {
				ts = Now()
			}
			fam := row[op.Family]
			if fam == nil {
				fam = map[string]map[Timestamp][]byte{}
				row[op.Family] = fam
			}
			col := fam[op.Column]
			if col == nil {
				col = map[Timestamp][]byte{}
				fam[op.Column] = col
			}
			col[ts] = append([]byte(nil), op.Value...)
		case DeleteColumn:
			delete(row[op.Family], op.Column)
			if len(row[op.Family]) == 0 {
				delete(row, op.Family)
			}
		case DeleteFamily:
			delete(row, op.Family)
		case DeleteRange:
			cells := row[op.Family][op.Column]
			for ts := range cells {
				if ts >= op.Start && ts < op.End {
					delete(cells, ts)
				}
			}
			if len(cells) == 0 {
				delete(row[op.Family], op.Column)
			}
			if len(row[op.Family]) == 0 {
				delete(row, op.Family)
			}
		case DeleteRow:
			row = map[string]map[string]map[Timestamp][]byte{}
			t[rm.Key()] = row
		default:
			return status.Errorf(codes.InvalidArgument, "unknown operation %T", op)
		}
	}

	if len(row) == 0 {
		delete(t, rm.Key())
	}
	return nil
}

// Value returns the newest cell of the given column, reported with its
// timestamp. ok is false when the cell does not exist.
func (s *InMemoryService) Value(table, key, family, column string) (value []byte, ts Timestamp, ok bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	cells := s.tables[table][key][family][column]
	for cellTS, cellValue := range cells {
		if !ok || cellTS > ts {
			value, ts, ok = cellValue, cellTS, true
		}
	}
	return value, ts, ok
}

// Rows returns the sorted keys of every row in the table.
func (s *InMemoryService) Rows(table string) []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	keys := make([]string, 0, len(s.tables[table]))
	for key := range s.tables[table] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type inMemoryStream struct {
	resp *MutateRowsResponse
	done bool
}

func (s *inMemoryStream) Recv() (*MutateRowsResponse, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.resp, nil
}
