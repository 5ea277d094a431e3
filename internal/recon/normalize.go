package recon

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// RawOrder is the backend batch row shape delivered by connectors.
type RawOrder struct {
	OrderID        string `json:"order_id"`
	TotalPrice     string `json:"total_price"`
	Status         string `json:"status"`
	PaymentMethod  string `json:"payment_method"`
	ShippingMethod string `json:"shipping_method"`
	CreatedAt      string `json:"created_at"`
}

// RawEvent is the analytics batch row shape delivered by connectors.
// Dimensions is an open-ended JSON object (device_category, source, ...).
type RawEvent struct {
	TransactionID   string          `json:"transaction_id"`
	PurchaseRevenue string          `json:"purchase_revenue"`
	EventDate       string          `json:"event_date"`
	Dimensions      json.RawMessage `json:"dimensions,omitempty"`
}

// NormalizationStats counts what each batch produced and what was dropped.
// Dropped reasons are keyed "source/field" for the failure summary.
type NormalizationStats struct {
	BackendSeen      int            `json:"backend_seen"`
	BackendDropped   int            `json:"backend_dropped"`
	AnalyticsSeen    int            `json:"analytics_seen"`
	AnalyticsDropped int            `json:"analytics_dropped"`
	DropReasons      map[string]int `json:"drop_reasons,omitempty"`
}

func (s *NormalizationStats) drop(src Source, field string) {
	if s.DropReasons == nil {
		s.DropReasons = make(map[string]int)
	}
	s.DropReasons[string(src)+"/"+field]++
	if src == SourceBackend {
		s.BackendDropped++
	} else {
		s.AnalyticsDropped++
	}
}

// MalformedRate returns the dropped fraction for one source's batch.
func (s NormalizationStats) MalformedRate(src Source) float64 {
	seen, dropped := s.BackendSeen, s.BackendDropped
	if src == SourceAnalytics {
		seen, dropped = s.AnalyticsSeen, s.AnalyticsDropped
	}
	if seen == 0 {
		return 0
	}
	return float64(dropped) / float64(seen)
}

// NormalizeOrder maps a raw backend order into a TransactionRecord.
func NormalizeOrder(raw RawOrder) (TransactionRecord, error) {
	key, err := cleanKey(SourceBackend, raw.OrderID)
	if err != nil {
		return TransactionRecord{}, err
	}
	amount, err := ParseAmount(raw.TotalPrice)
	if err != nil {
		return TransactionRecord{}, &MalformedRecordError{Source: SourceBackend, Field: "total_price", Value: raw.TotalPrice, Reason: err.Error()}
	}
	occurred, err := parseWhen(raw.CreatedAt)
	if err != nil {
		return TransactionRecord{}, &MalformedRecordError{Source: SourceBackend, Field: "created_at", Value: raw.CreatedAt, Reason: err.Error()}
	}
	return TransactionRecord{
		Key:            key,
		Source:         SourceBackend,
		Amount:         amount,
		Status:         mapStatus(raw.Status),
		OccurredAt:     occurred,
		PaymentMethod:  strings.TrimSpace(raw.PaymentMethod),
		ShippingMethod: strings.TrimSpace(raw.ShippingMethod),
	}, nil
}

// NormalizeEvent maps a raw analytics purchase event into a TransactionRecord.
// Analytics rows have no authoritative status.
func NormalizeEvent(raw RawEvent) (TransactionRecord, error) {
	key, err := cleanKey(SourceAnalytics, raw.TransactionID)
	if err != nil {
		return TransactionRecord{}, err
	}
	amount, err := ParseAmount(raw.PurchaseRevenue)
	if err != nil {
		return TransactionRecord{}, &MalformedRecordError{Source: SourceAnalytics, Field: "purchase_revenue", Value: raw.PurchaseRevenue, Reason: err.Error()}
	}
	occurred, err := parseWhen(raw.EventDate)
	if err != nil {
		return TransactionRecord{}, &MalformedRecordError{Source: SourceAnalytics, Field: "event_date", Value: raw.EventDate, Reason: err.Error()}
	}
	rec := TransactionRecord{
		Key:        key,
		Source:     SourceAnalytics,
		Amount:     amount,
		Status:     StatusUnknown,
		OccurredAt: occurred,
	}
	if len(raw.Dimensions) > 0 {
		rec.PaymentMethod, rec.ShippingMethod, rec.Extra = extractDimensions(raw.Dimensions)
	}
	return rec, nil
}

// NormalizeOrders normalizes a backend batch, dropping and counting
// malformed rows instead of failing the batch.
func NormalizeOrders(batch []RawOrder, stats *NormalizationStats) []TransactionRecord {
	out := make([]TransactionRecord, 0, len(batch))
	for _, raw := range batch {
		stats.BackendSeen++
		rec, err := NormalizeOrder(raw)
		if err != nil {
			stats.drop(SourceBackend, malformedField(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// NormalizeEvents normalizes an analytics batch the same way.
func NormalizeEvents(batch []RawEvent, stats *NormalizationStats) []TransactionRecord {
	out := make([]TransactionRecord, 0, len(batch))
	for _, raw := range batch {
		stats.AnalyticsSeen++
		rec, err := NormalizeEvent(raw)
		if err != nil {
			stats.drop(SourceAnalytics, malformedField(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

func malformedField(err error) string {
	if m, ok := err.(*MalformedRecordError); ok {
		return m.Field
	}
	return "record"
}

func cleanKey(src Source, id string) (string, error) {
	key := strings.TrimSpace(id)
	switch {
	case key == "":
		return "", &MalformedRecordError{Source: src, Field: "key", Value: id, Reason: "empty join key"}
	case strings.EqualFold(key, "(not set)"):
		return "", &MalformedRecordError{Source: src, Field: "key", Value: id, Reason: "placeholder join key"}
	}
	return key, nil
}

func mapStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "complete", "completed", "delivered", "livrata":
		return StatusComplete
	case "canceled", "cancelled", "anulata", "refunded", "returnata", "failed":
		return StatusCanceled
	case "pending", "processing", "on-hold", "payment_pending":
		return StatusPending
	default:
		return StatusUnknown
	}
}

var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102", // GA4 export date
}

func parseWhen(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range whenLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// extractDimensions pulls string attributes out of the open-ended dimensions
// object, splitting the well-known payment/shipping keys from the rest.
func extractDimensions(raw json.RawMessage) (payment, shipping string, extra map[string]string) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return "", "", nil
	}
	parsed.ForEach(func(key, value gjson.Result) bool {
		name := strings.TrimSpace(key.String())
		val := strings.TrimSpace(value.String())
		if name == "" || val == "" {
			return true
		}
		switch name {
		case DimPaymentMethod:
			payment = val
		case DimShippingMethod:
			shipping = val
		default:
			if extra == nil {
				extra = make(map[string]string)
			}
			extra[name] = val
		}
		return true
	})
	return payment, shipping, extra
}
