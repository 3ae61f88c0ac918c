package hipaa

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrLoggerClosed is returned by Record after Close has been called.
var ErrLoggerClosed = errors.New("audit logger closed")

// AuditConfig holds the audit-zone policy. IDHashSalt belongs to the audit
// zone only and is never used for extracted output.
type AuditConfig struct {
	Path             string
	IncludeIDSamples bool
	IDSampleSize     int
	IDHashSalt       string
}

// AuditEntry is one line of the audit log. The JSON layout is the on-disk
// contract; Samples is omitted entirely when sampling is disabled.
type AuditEntry struct {
	Timestamp string        `json:"ts"`
	Actor     string        `json:"actor"`
	Resource  string        `json:"resource"`
	Params    AuditParams   `json:"params"`
	Samples   *AuditSamples `json:"samples,omitempty"`
	Result    AuditResult   `json:"result"`
}

// AuditParams describes the shape of a request. It never carries field values.
type AuditParams struct {
	By       string   `json:"by"`
	Fields   []string `json:"fields"`
	CountIDs int      `json:"count_ids"`
}

// AuditSamples lists sampled identifiers, hashed under the audit salt when one
// is configured.
type AuditSamples struct {
	IDs []string `json:"ids"`
}

// AuditResult summarises the outcome of an extraction.
type AuditResult struct {
	Rows      int `json:"rows"`
	Validated int `json:"validated"`
	Invalid   int `json:"invalid"`
}

// AccessRecord is the input to Record: what was asked for and what came back.
type AccessRecord struct {
	Actor     string
	Resource  string
	By        string
	Fields    []string
	IDs       []string
	Rows      int
	Validated int
	Invalid   int
}

// AuditLogger appends PHI access records to a JSONL destination. It is safe
// for concurrent use; each Record call writes exactly one line.
type AuditLogger struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	closed bool

	cfg    AuditConfig
	now    func() time.Time
	logger zerolog.Logger
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditClock overrides the clock used for entry timestamps.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditLogger) {
		a.now = now
	}
}

// WithAuditLogger sets the process logger used for write failures.
func WithAuditLogger(logger zerolog.Logger) AuditOption {
	return func(a *AuditLogger) {
		a.logger = logger.With().Str("component", "audit-logger").Logger()
	}
}

// NewAuditLogger opens cfg.Path for appending, creating parent directories as
// needed. The file is owned by the logger until Close.
func NewAuditLogger(cfg AuditConfig, opts ...AuditOption) (*AuditLogger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("hipaa audit: path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("hipaa audit: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: open %s: %w", cfg.Path, err)
	}
	a := newAuditLogger(f, cfg, opts)
	a.closer = f
	return a, nil
}

// NewStreamAuditLogger writes to an already open stream. Close flushes but
// does not close w.
func NewStreamAuditLogger(w io.Writer, cfg AuditConfig, opts ...AuditOption) *AuditLogger {
	return newAuditLogger(w, cfg, opts)
}

func newAuditLogger(w io.Writer, cfg AuditConfig, opts []AuditOption) *AuditLogger {
	if cfg.IDSampleSize < 0 {
		cfg.IDSampleSize = 0
	}
	a := &AuditLogger{
		w:      bufio.NewWriter(w),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record builds an AuditEntry from rec and appends it as a single line.
func (a *AuditLogger) Record(ctx context.Context, rec AccessRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := a.buildEntry(rec)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("hipaa audit: encode entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrLoggerClosed
	}
	if _, err := a.w.Write(data); err != nil {
		return a.writeFailed(err)
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return a.writeFailed(err)
	}
	if err := a.w.Flush(); err != nil {
		return a.writeFailed(err)
	}
	return nil
}

func (a *AuditLogger) writeFailed(err error) error {
	a.logger.Error().Err(err).Msg("failed to append audit entry")
	return fmt.Errorf("hipaa audit: write entry: %w", err)
}

func (a *AuditLogger) buildEntry(rec AccessRecord) AuditEntry {
	fields := make([]string, len(rec.Fields))
	copy(fields, rec.Fields)

	entry := AuditEntry{
		Timestamp: a.now().UTC().Format(time.RFC3339Nano),
		Actor:     rec.Actor,
		Resource:  rec.Resource,
		Params: AuditParams{
			By:       rec.By,
			Fields:   fields,
			CountIDs: len(rec.IDs),
		},
		Result: AuditResult{
			Rows:      rec.Rows,
			Validated: rec.Validated,
			Invalid:   rec.Invalid,
		},
	}
	if a.cfg.IncludeIDSamples {
		entry.Samples = &AuditSamples{IDs: a.sampleIDs(rec.IDs)}
	}
	return entry
}

func (a *AuditLogger) sampleIDs(ids []string) []string {
	n := min(len(ids), a.cfg.IDSampleSize)
	sample := make([]string, 0, n)
	for _, id := range ids[:n] {
		sample = append(sample, Hash(id, a.cfg.IDHashSalt))
	}
	return sample
}

// Close flushes pending output and releases the destination. It is safe to
// call more than once.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	err := a.w.Flush()
	if a.closer != nil {
		if cerr := a.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("hipaa audit: close: %w", err)
	}
	return nil
}
