package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// FakeConnector is an in-process ledger that accepts every submission unless
// told otherwise. It derives transaction ids from the canonical encoding so
// they are stable across runs.
type FakeConnector struct {
	mu         sync.Mutex
	pool       Address
	sequence   uint32
	ledgerSeq  uint32
	submitted  []Tx
	ids        []string
	failWhen   func(Tx) error
	failResult func(Tx) string
	connectErr error
	opened     int
	closed     int
}

func NewFakeConnector(pool Address) *FakeConnector {
	return &FakeConnector{pool: pool, sequence: 1, ledgerSeq: 1000}
}

// FailWhen installs a predicate; a non-nil error rejects the submission.
func (f *FakeConnector) FailWhen(fn func(Tx) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWhen = fn
}

// FailValidation installs a predicate for accepted transactions; a non-empty
// result code is reported as their validated outcome.
func (f *FakeConnector) FailValidation(fn func(Tx) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failResult = fn
}

// FailConnect makes Connect return err.
func (f *FakeConnector) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// Submitted returns a copy of every accepted transaction.
func (f *FakeConnector) Submitted() []Tx {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Tx, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// Sessions reports how many sessions were opened and closed.
func (f *FakeConnector) Sessions() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

func (f *FakeConnector) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.opened++
	return &fakeSession{parent: f}, nil
}

func (f *FakeConnector) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

type fakeSession struct {
	parent *FakeConnector
	closed bool
}

func (s *fakeSession) PoolAccount() Address { return s.parent.pool }

func (s *fakeSession) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.parent.closed++
	}
	return nil
}

// WaitForValidation reports submitted transactions as validated with
// tesSUCCESS unless FailValidation says otherwise.
func (s *fakeSession) WaitForValidation(ctx context.Context, txID string, _ uint32) (Validation, error) {
	if err := ctx.Err(); err != nil {
		return Validation{}, err
	}
	f := s.parent
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.ids {
		if id != txID {
			continue
		}
		result := "tesSUCCESS"
		if f.failResult != nil {
			if r := f.failResult(f.submitted[i]); r != "" {
				result = r
			}
		}
		return Validation{TxID: txID, Result: result, LedgerIndex: f.ledgerSeq - uint32(len(f.ids)) + uint32(i)}, nil
	}
	return Validation{}, fmt.Errorf("transaction %s not found", txID)
}

func (s *fakeSession) Submit(ctx context.Context, tx Tx) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}
	f := s.parent
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return SubmitResult{}, errors.New("session closed")
	}

	tx.Account = f.pool
	tx.Sequence = f.sequence
	tx.Fee = 12
	tx.LastLedgerSequence = f.ledgerSeq + defaultValidityMargin
	if f.failWhen != nil {
		if err := f.failWhen(tx); err != nil {
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	blob, err := tx.Encode(false)
	if err != nil {
		return SubmitResult{}, err
	}
	id := txID(blob)

	f.sequence++
	f.ledgerSeq++
	f.submitted = append(f.submitted, tx)
	f.ids = append(f.ids, id)
	return SubmitResult{TxID: id, EngineResult: "tesSUCCESS", Sequence: tx.Sequence, LastLedgerSequence: tx.LastLedgerSequence}, nil
}
