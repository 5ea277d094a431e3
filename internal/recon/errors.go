package recon

import "fmt"

// MalformedRecordError marks a single raw record that could not be
// normalized. It is counted and skipped, never matched.
type MalformedRecordError struct {
	Source Source
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record: field %q value %q: %s", e.Source, e.Field, e.Value, e.Reason)
}

// ToleranceConfigError is a fatal misconfiguration of the amount-tolerance
// or retry knobs. Runs fail immediately on it, without retry.
type ToleranceConfigError struct {
	Knob   string
	Reason string
}

func (e *ToleranceConfigError) Error() string {
	return fmt.Sprintf("invalid tolerance config %s: %s", e.Knob, e.Reason)
}

// AggregationInvariantError reports an internally inconsistent aggregation,
// e.g. a zero COMPLETE denominator alongside non-zero classified counts.
// It is distinct from a legitimately empty summary.
type AggregationInvariantError struct {
	Reason string
}

func (e *AggregationInvariantError) Error() string {
	return "aggregation invariant violated: " + e.Reason
}
