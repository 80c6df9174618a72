// Package rail abstracts the external payment rail behind a narrow
// interface. The rail either succeeds with an opaque transaction id or
// fails; no partial or ambiguous outcomes are modeled, and there is no
// rollback operation. Keeping the surface this small makes the escrow
// engine independent of any specific ledger technology and testable with a
// fake rail.
package rail

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the rail could not process the funding call.
// The contract stays pending and the call may be retried.
var ErrUnavailable = errors.New("payment rail unavailable")

// Rail moves funds into escrow and returns the ledger's transaction id.
type Rail interface {
	Fund(ctx context.Context, contractID, amount, currency string) (txID string, err error)
}
