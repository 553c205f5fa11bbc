package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnsupportedExchange  = errors.New("unsupported exchange")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrConnectionTestFailed = errors.New("connection test failed")
	ErrNotConnected         = errors.New("exchange not connected")
	ErrRateLimited          = errors.New("rate limited")
	ErrNoData               = errors.New("no data available")
	ErrPricingUnavailable   = errors.New("pricing unavailable")
	ErrSyncInProgress       = errors.New("sync already in progress")
	ErrLockHeld             = errors.New("lock already held")
)

// ExchangeError attaches the originating exchange to an upstream failure.
// Fan-out operations collect these instead of failing the whole call.
type ExchangeError struct {
	Exchange string
	Err      error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Err.Error()
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// PartialSyncError reports a resync where at least one exchange failed while
// at least one succeeded. It is recorded on the portfolio, not returned as an
// operation failure.
type PartialSyncError struct {
	Failed []ExchangeError
}

func (e *PartialSyncError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Exchange)
	}
	sort.Strings(names)
	return fmt.Sprintf("partial sync: %d exchange(s) failed: %s", len(e.Failed), strings.Join(names, ", "))
}
