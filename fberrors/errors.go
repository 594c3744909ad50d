// Package fberrors holds the sentinel errors shared across the counting,
// timing, and scaling filters, so callers can errors.Is against one set of
// values regardless of which layer raised them.
package fberrors

import "errors"

var (
	// ErrInvalidConfig is returned by a constructor when a parameter is
	// outside its allowed range. No state is allocated when this is
	// returned.
	ErrInvalidConfig = errors.New("fuggetaboutit: invalid config")

	// ErrPersistenceDisabled is returned by Save when no data path
	// was configured and none was supplied to the call.
	ErrPersistenceDisabled = errors.New("fuggetaboutit: persistence disabled: no data path configured")

	// ErrTickerState is returned by Start/Stop/Setup when called against
	// the ticker's current state (e.g. Start on an already-running
	// ticker, Setup called twice).
	ErrTickerState = errors.New("fuggetaboutit: invalid ticker state transition")

	// ErrUnsupported is returned by Remove/RemoveAll on a timing filter:
	// a cell holding a tick stamp cannot be decremented like a counter.
	ErrUnsupported = errors.New("fuggetaboutit: operation unsupported on this filter")
)
