package strata

import (
	"context"

	"google.golang.org/grpc/status"
)

// Service is the transport boundary of the client: the two data-plane RPCs
// the mutation path needs, with the same shape as a generated gRPC stub so
// one can satisfy it directly. Implementations must be safe for concurrent
// use.
type Service interface {
	// MutateRow applies a single row mutation atomically. A nil return means
	// the mutation is durably applied.
	MutateRow(ctx context.Context, req *MutateRowRequest) error

	// MutateRows submits a batch of row mutations and returns the response
	// stream for this one attempt. An error opening the stream counts as a
	// stream-level failure of the attempt.
	MutateRows(ctx context.Context, req *MutateRowsRequest) (MutateRowsStream, error)
}

// MutateRowsStream is the receive side of one MutateRows attempt, holding
// only the method the mutator uses. Recv returns io.EOF once the service has
// closed the stream cleanly; any other error is the terminal status of the
// whole attempt.
type MutateRowsStream interface {
	Recv() (*MutateRowsResponse, error)
}

// MutateRowRequest is the argument to Service.MutateRow.
type MutateRowRequest struct {
	Table string
	Row   *RowMutation
}

// MutateRowsRequest is the argument to Service.MutateRows. Entries keep the
// order they were submitted in; response entries refer to them by position.
type MutateRowsRequest struct {
	Table   string
	Entries []*RowMutation
}

// MutateRowsResponse carries the outcomes that became final since the
// previous message. Outcomes may arrive in any order and be spread over any
// number of responses, but each entry of the request is reported at most
// once per attempt.
type MutateRowsResponse struct {
	Entries []ResponseEntry
}

// ResponseEntry is the final outcome of a single mutation within one
// attempt. Index is the mutation's position in the attempt's
// MutateRowsRequest.Entries, not in the original batch.
type ResponseEntry struct {
	Index  int
	Status *status.Status
}
