package rail

import (
	"context"
	"fmt"
	"sync"

	"github.com/sitepay/escrowd/internal/idgen"
)

// FakeRail is an in-memory rail for demo/development mode and tests. It
// records funding calls and can be told to fail.
type FakeRail struct {
	mu      sync.Mutex
	funded  map[string]FundCall // contractID -> last call
	seq     int
	failErr error
}

// FundCall records one funding request.
type FundCall struct {
	ContractID string
	Amount     string
	Currency   string
	TxID       string
}

// NewFakeRail creates a fake rail that always succeeds.
func NewFakeRail() *FakeRail {
	return &FakeRail{funded: make(map[string]FundCall)}
}

// Fail makes subsequent Fund calls return err (wrapped in ErrUnavailable
// semantics by the caller). Pass nil to restore success.
func (f *FakeRail) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *FakeRail) Fund(ctx context.Context, contractID, amount, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, f.failErr)
	}

	f.seq++
	txID := idgen.WithPrefix("ltx_")
	f.funded[contractID] = FundCall{
		ContractID: contractID,
		Amount:     amount,
		Currency:   currency,
		TxID:       txID,
	}
	return txID, nil
}

// Funded returns the recorded funding call for a contract, if any.
func (f *FakeRail) Funded(contractID string) (FundCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.funded[contractID]
	return call, ok
}

// FundCount returns the number of distinct contracts funded.
func (f *FakeRail) FundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.funded)
}

var _ Rail = (*FakeRail)(nil)
