package recon

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which system a normalized record came from.
type Source string

const (
	SourceBackend   Source = "backend"
	SourceAnalytics Source = "analytics"
)

// OrderStatus is the backend-side order state. Analytics events carry no
// authoritative status, so records from that side stay StatusUnknown.
type OrderStatus string

const (
	StatusComplete OrderStatus = "complete"
	StatusCanceled OrderStatus = "canceled"
	StatusPending  OrderStatus = "pending"
	StatusUnknown  OrderStatus = "unknown"
)

// Dimension names the engine reports breakdowns for. Well-known ones get
// dedicated fields on TransactionRecord; everything else rides in Extra.
const (
	DimPaymentMethod  = "payment_method"
	DimShippingMethod = "shipping_method"
)

// TransactionRecord is the source-agnostic shape both connectors are
// normalized into before matching.
type TransactionRecord struct {
	Key            string
	Source         Source
	Amount         decimal.Decimal
	Status         OrderStatus
	OccurredAt     time.Time
	PaymentMethod  string
	ShippingMethod string
	Extra          map[string]string
}

// Dimensions merges the well-known attributes with the open-ended extras.
// Empty values are omitted so breakdown grouping never sees blank buckets.
func (r TransactionRecord) Dimensions() map[string]string {
	out := make(map[string]string, len(r.Extra)+2)
	for k, v := range r.Extra {
		if k != "" && v != "" {
			out[k] = v
		}
	}
	if r.PaymentMethod != "" {
		out[DimPaymentMethod] = r.PaymentMethod
	}
	if r.ShippingMethod != "" {
		out[DimShippingMethod] = r.ShippingMethod
	}
	return out
}

// DimensionNames returns the record's dimension keys in sorted order.
func (r TransactionRecord) DimensionNames() []string {
	dims := r.Dimensions()
	names := make([]string, 0, len(dims))
	for k := range dims {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Window is the time range a reconciliation run covers, half-open [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DayWindow returns the calendar-day window containing t in t's location.
func DayWindow(t time.Time) Window {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }
