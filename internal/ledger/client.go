package ledger

import (
	"context"
	"errors"
)

var (
	// ErrRejected is returned when the ledger refuses a submitted transaction.
	ErrRejected = errors.New("ledger rejected transaction")
	// ErrExpired means the validated ledger passed the transaction's
	// LastLedgerSequence without including it.
	ErrExpired = errors.New("transaction expired unvalidated")
)

// SubmitResult reports what the ledger said about a submission. Submission is
// fire-and-report: an accepted result is not yet validated.
type SubmitResult struct {
	TxID               string
	EngineResult       string
	Sequence           uint32
	LastLedgerSequence uint32
}

// Validation is the final outcome of a transaction in a validated ledger.
type Validation struct {
	TxID        string
	Result      string
	LedgerIndex uint32
}

// Succeeded reports whether the validated result is tesSUCCESS.
func (v Validation) Succeeded() bool { return v.Result == "tesSUCCESS" }

// Session is an open connection able to sign and submit on behalf of the
// platform pool account.
type Session interface {
	PoolAccount() Address
	Submit(ctx context.Context, tx Tx) (SubmitResult, error)
	// WaitForValidation blocks until txID is in a validated ledger. It
	// returns ErrExpired once the validated ledger is past lastLedger.
	WaitForValidation(ctx context.Context, txID string, lastLedger uint32) (Validation, error)
	Close() error
}

// Connector opens ledger sessions. Callers hold a session for the duration
// of one operation.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
}
