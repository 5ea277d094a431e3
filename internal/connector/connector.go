// Package connector fetches raw order and purchase-event batches from
// external systems.
package connector

import (
	"context"
	"errors"
	"fmt"

	"revaudit/internal/recon"
)

// BackendSource yields raw orders from the commerce backend for one
// tenant and window.
type BackendSource interface {
	FetchOrders(ctx context.Context, clientID string, w recon.Window) ([]recon.RawOrder, error)
}

// AnalyticsSource yields raw purchase events from the analytics property
// for one tenant and window.
type AnalyticsSource interface {
	FetchEvents(ctx context.Context, clientID string, w recon.Window) ([]recon.RawEvent, error)
}

// FetchError wraps a source failure and says whether retrying can help.
// Transport-level failures are retryable; malformed batches are not.
type FetchError struct {
	Source    recon.Source
	ClientID  string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for client %s: %v", e.Source, e.ClientID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether err is a fetch failure worth retrying.
func Retryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
