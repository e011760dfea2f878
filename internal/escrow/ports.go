package escrow

import (
	"context"

	"yieldlock/internal/signing"
)

// Store persists escrows with atomic single-record updates.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*Escrow, error)
	// Update applies fn to the stored record only if its status equals
	// expect, and returns the written record. A status mismatch returns the
	// current record with ErrConflict; an error from fn aborts the write.
	Update(ctx context.Context, id string, expect Status, fn func(*Escrow) error) (*Escrow, error)
	// Annotate writes fields that do not take part in the status machine.
	Annotate(ctx context.Context, id string, fn func(*Escrow)) error
	Ping(ctx context.Context) error
}

// SigningGateway issues and inspects sign requests. Both calls may return
// (nil, nil) when the service has nothing to report.
type SigningGateway interface {
	CreateSignRequest(ctx context.Context, req signing.PayloadRequest) (*signing.Payload, error)
	GetSignRequest(ctx context.Context, id string) (*signing.Resolution, error)
}

// DeadLetter receives secondary-effect failures for operator follow-up.
type DeadLetter interface {
	Write(kind, escrowID string, cause error) error
}

// Recorder receives operational counters.
type Recorder interface {
	Operation(op, result string)
	Provision(result string)
	Submission(kind, result string)
}

type nopRecorder struct{}

func (nopRecorder) Operation(string, string)  {}
func (nopRecorder) Provision(string)          {}
func (nopRecorder) Submission(string, string) {}

type nopDeadLetter struct{}

func (nopDeadLetter) Write(string, string, error) error { return nil }
