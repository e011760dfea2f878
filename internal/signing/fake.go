package signing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeGateway keeps sign requests in memory. Tests and the dev binary mark
// them signed through Sign.
type FakeGateway struct {
	mu        sync.Mutex
	requests  map[string]PayloadRequest
	states    map[string]*Resolution
	createErr error
	getErr    error
	emptyNext bool
	gets      int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		requests: map[string]PayloadRequest{},
		states:   map[string]*Resolution{},
	}
}

func (f *FakeGateway) CreateSignRequest(_ context.Context, req PayloadRequest) (*Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.emptyNext {
		return nil, nil
	}
	id := uuid.NewString()
	f.requests[id] = req
	f.states[id] = &Resolution{}
	return &Payload{UUID: id, URL: "https://sign.example/" + id}, nil
}

func (f *FakeGateway) GetSignRequest(_ context.Context, id string) (*Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	st, ok := f.states[id]
	if !ok {
		return nil, nil
	}
	out := *st
	return &out, nil
}

// Sign resolves a request as signed by account with txID.
func (f *FakeGateway) Sign(id, account, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return fmt.Errorf("unknown sign request %s", id)
	}
	*st = Resolution{Signed: true, Resolved: true, Account: account, TxID: txID}
	return nil
}

// Reject resolves a request as declined by the user.
func (f *FakeGateway) Reject(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return fmt.Errorf("unknown sign request %s", id)
	}
	*st = Resolution{Resolved: true}
	return nil
}

// Request returns what was submitted under id.
func (f *FakeGateway) Request(id string) (PayloadRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	return req, ok
}

// FailCreate and FailGet make the respective call return err.
func (f *FakeGateway) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *FakeGateway) FailGet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

// ReturnEmpty makes CreateSignRequest answer without a payload.
func (f *FakeGateway) ReturnEmpty(empty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptyNext = empty
}

// Gets counts GetSignRequest calls.
func (f *FakeGateway) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}
