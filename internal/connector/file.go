package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"revaudit/internal/recon"
)

// batchSchema validates the daily batch envelope before any row parsing.
// Row shapes stay loose on purpose: malformed rows are a normalization
// concern, a malformed envelope fails the fetch.
const batchSchema = `{
	"type": "object",
	"required": ["client_id", "source", "date", "rows"],
	"properties": {
		"client_id": {"type": "string", "minLength": 1},
		"source":    {"type": "string", "enum": ["backend", "analytics"]},
		"date":      {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
		"rows":      {"type": "array", "items": {"type": "object"}}
	}
}`

var compiledBatchSchema = jsonschema.MustCompileString("batch.json", batchSchema)

// FileSource reads daily batch files dropped by export pipelines under
// <root>/<client>/<source>/<YYYY-MM-DD>.json. It serves both sides of a
// reconciliation and is the default source in development.
type FileSource struct {
	root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{root: root}
}

// FetchOrders implements BackendSource.
func (f *FileSource) FetchOrders(ctx context.Context, clientID string, w recon.Window) ([]recon.RawOrder, error) {
	var out []recon.RawOrder
	err := f.eachDay(ctx, clientID, recon.SourceBackend, w, func(rows json.RawMessage) error {
		var batch []recon.RawOrder
		if err := json.Unmarshal(rows, &batch); err != nil {
			return err
		}
		out = append(out, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchEvents implements AnalyticsSource.
func (f *FileSource) FetchEvents(ctx context.Context, clientID string, w recon.Window) ([]recon.RawEvent, error) {
	var out []recon.RawEvent
	err := f.eachDay(ctx, clientID, recon.SourceAnalytics, w, func(rows json.RawMessage) error {
		var batch []recon.RawEvent
		if err := json.Unmarshal(rows, &batch); err != nil {
			return err
		}
		out = append(out, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// eachDay walks the window one UTC day at a time. A missing file means the
// export has not landed yet and is retryable; a file that fails envelope
// validation is not.
func (f *FileSource) eachDay(ctx context.Context, clientID string, src recon.Source, w recon.Window, fn func(rows json.RawMessage) error) error {
	day := time.Date(w.Start.Year(), w.Start.Month(), w.Start.Day(), 0, 0, 0, 0, time.UTC)
	for ; day.Before(w.End); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(f.root, clientID, string(src), day.Format("2006-01-02")+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return &FetchError{Source: src, ClientID: clientID, Retryable: true,
					Err: fmt.Errorf("batch file not yet available: %s", path)}
			}
			return &FetchError{Source: src, ClientID: clientID, Retryable: true, Err: err}
		}
		rows, err := validateEnvelope(data, clientID, src)
		if err != nil {
			return &FetchError{Source: src, ClientID: clientID, Retryable: false,
				Err: fmt.Errorf("%s: %w", path, err)}
		}
		if err := fn(rows); err != nil {
			return &FetchError{Source: src, ClientID: clientID, Retryable: false,
				Err: fmt.Errorf("%s: %w", path, err)}
		}
	}
	return nil
}

func validateEnvelope(data []byte, clientID string, src recon.Source) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledBatchSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("envelope rejected: %w", err)
	}
	parsed := gjson.ParseBytes(data)
	if got := parsed.Get("client_id").String(); got != clientID {
		return nil, fmt.Errorf("envelope addressed to client %q, want %q", got, clientID)
	}
	if got := parsed.Get("source").String(); got != string(src) {
		return nil, fmt.Errorf("envelope carries source %q, want %q", got, src)
	}
	return json.RawMessage(parsed.Get("rows").Raw), nil
}
