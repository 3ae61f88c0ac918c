// Package extraction runs field extractions against registered resources:
// plan a minimal fetch, validate every row against the resource schema, hash
// identifiers for the output zone and write one audit entry per run.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phiextract/internal/platform/hipaa"
	"github.com/ehr/phiextract/internal/platform/metrics"
	"github.com/ehr/phiextract/internal/platform/schema"
)

var (
	// ErrInvalidRequest rejects a malformed invocation before anything is
	// fetched or audited.
	ErrInvalidRequest = errors.New("invalid extraction request")
	// ErrFetch wraps records-store failures. Nothing is audited.
	ErrFetch = errors.New("fetch failed")
	// ErrExport wraps exporter failures. The result is still returned.
	ErrExport = errors.New("export failed")
)

// maxLoggedIssues caps the validation issues logged individually per run.
const maxLoggedIssues = 10

// AuditRecorder receives one access record per completed run.
type AuditRecorder interface {
	Record(ctx context.Context, rec hipaa.AccessRecord) error
}

// Exporter writes result rows to an external destination, columns in order.
type Exporter interface {
	Export(ctx context.Context, columns []string, rows []schema.Row) error
}

// RunOptions are the per-call collaborators. Leaving Audit nil is only
// accepted together with SkipAudit so that running unaudited is always an
// explicit choice.
type RunOptions struct {
	Audit     AuditRecorder
	SkipAudit bool
	Exporter  Exporter
}

// Summary counts rows through the run.
type Summary struct {
	Requested int `json:"requested"`
	Fetched   int `json:"fetched"`
	Validated int `json:"validated"`
	Invalid   int `json:"invalid"`
}

// Result is the outcome of one run. It is not modified after Run returns.
type Result struct {
	RunID    string
	Resource string
	Columns  []string
	Rows     []schema.Row
	Summary  Summary
	// Errors holds the row-level validation failures. They are for
	// diagnostics and are never exported.
	Errors []*schema.ValidationError
	// AuditErr is set when the audit entry could not be written.
	AuditErr error
	Duration time.Duration
}

// Degraded reports whether the run completed without its audit entry.
func (r *Result) Degraded() bool {
	return r.AuditErr != nil
}

// Pipeline executes extraction requests. It holds no per-run state and may be
// reused for any number of runs.
type Pipeline struct {
	registry  *Registry
	validator schema.Validator
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the process logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger.With().Str("component", "extraction").Logger()
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock overrides the clock used for derived fields and durations.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a Pipeline over the registered resources.
func NewPipeline(registry *Registry, validator schema.Validator, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:  registry,
		validator: validator,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one extraction: plan, fetch, derive, validate, hash, audit,
// export. Request-shape and fetch failures abort before any audit entry is
// written. An audit failure leaves the result intact and flags it degraded.
func (p *Pipeline) Run(ctx context.Context, req Request, opts RunOptions) (*Result, error) {
	start := p.now()
	runID := uuid.NewString()
	log := p.logger.With().Str("run_id", runID).Str("resource", req.Resource).Logger()

	pl, err := p.planRequest(req)
	if err == nil {
		err = checkAuditChoice(opts)
	}
	if err != nil {
		p.metrics.ObserveRun(req.Resource, metrics.OutcomeInvalidRequest, p.now().Sub(start))
		log.Warn().Err(err).Msg("extraction request rejected")
		return nil, err
	}

	log.Info().
		Str("by", string(req.By)).
		Int("count_ids", len(req.IDs)).
		Strs("fields", req.Fields).
		Strs("fetch_fields", pl.fetch).
		Msg("extraction started")

	raw, err := pl.resource.Fetcher.Fetch(ctx, req.By, req.IDs, pl.fetch)
	if err != nil {
		p.metrics.ObserveRun(req.Resource, metrics.OutcomeFetchError, p.now().Sub(start))
		log.Error().Err(err).Msg("fetch failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, req.Resource, err)
	}
	raw = p.restrictToRequested(raw, req.IDs, log)

	result := &Result{
		RunID:    runID,
		Resource: req.Resource,
		Columns:  pl.columns,
		Summary:  Summary{Requested: len(req.IDs), Fetched: len(raw)},
	}

	env := DeriveEnv{Now: start, Location: p.validator.Target}
	for _, r := range raw {
		row, verr := p.validateRow(pl, req, r, env)
		if verr != nil {
			result.Summary.Invalid++
			result.Errors = append(result.Errors, verr)
			continue
		}
		if err := hashIdentifiers(row, pl.hashed, req.OutputHashSalt); err != nil {
			p.metrics.ObserveRun(req.Resource, metrics.OutcomeHashingError, p.now().Sub(start))
			log.Error().Err(err).Msg("output hashing failed, discarding result")
			return nil, err
		}
		result.Rows = append(result.Rows, row)
		result.Summary.Validated++
	}
	p.logIssues(log, result.Errors)
	p.metrics.AddRows(req.Resource, result.Summary.Fetched, result.Summary.Validated, result.Summary.Invalid)

	if opts.Audit != nil {
		if err := opts.Audit.Record(ctx, hipaa.AccessRecord{
			Actor:     req.Actor,
			Resource:  req.Resource,
			By:        string(req.By),
			Fields:    req.Fields,
			IDs:       req.IDs,
			Rows:      result.Summary.Fetched,
			Validated: result.Summary.Validated,
			Invalid:   result.Summary.Invalid,
		}); err != nil {
			result.AuditErr = err
			p.metrics.IncAuditFailure()
			log.Warn().Err(err).Msg("audit entry not written, result is degraded")
		}
	} else {
		log.Warn().Msg("audit skipped by caller")
	}

	outcome := metrics.OutcomeSuccess
	if result.Degraded() {
		outcome = metrics.OutcomeDegraded
	}

	var exportErr error
	if opts.Exporter != nil {
		if err := opts.Exporter.Export(ctx, result.Columns, result.Rows); err != nil {
			exportErr = fmt.Errorf("%w: %w", ErrExport, err)
			outcome = metrics.OutcomeExportError
			log.Error().Err(err).Msg("export failed")
		}
	}

	result.Duration = p.now().Sub(start)
	p.metrics.ObserveRun(req.Resource, outcome, result.Duration)

	log.Info().
		Int("requested", result.Summary.Requested).
		Int("fetched", result.Summary.Fetched).
		Int("validated", result.Summary.Validated).
		Int("invalid", result.Summary.Invalid).
		Bool("degraded", result.Degraded()).
		Dur("duration", result.Duration).
		Msg("extraction finished")

	return result, exportErr
}

func checkAuditChoice(opts RunOptions) error {
	switch {
	case opts.Audit == nil && !opts.SkipAudit:
		return invalid("no audit recorder supplied and audit not explicitly skipped")
	case opts.Audit != nil && opts.SkipAudit:
		return invalid("audit recorder supplied but audit skipped")
	}
	return nil
}

// restrictToRequested drops rows for identifiers that were not requested and
// any repeat rows for one identifier.
func (p *Pipeline) restrictToRequested(rows []RawRow, ids []string, log zerolog.Logger) []RawRow {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = false
	}
	out := make([]RawRow, 0, len(rows))
	var dropped int
	for _, r := range rows {
		seen, ok := wanted[r.ID]
		if !ok || seen {
			dropped++
			continue
		}
		wanted[r.ID] = true
		out = append(out, r)
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("fetcher returned rows outside the request")
	}
	return out
}

func (p *Pipeline) validateRow(pl *plan, req Request, r RawRow, env DeriveEnv) (schema.Row, *schema.ValidationError) {
	values := make(schema.Row, len(r.Values)+len(pl.resource.Derived))
	for k, v := range r.Values {
		values[k] = v
	}
	for _, f := range req.Fields {
		if d, ok := pl.resource.Derived[f]; ok {
			values[f] = d.Compute(values, env)
		}
	}

	row, err := p.validator.Validate(values, pl.resource.Schema, req.Fields)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, &schema.ValidationError{Rule: "unknown", Detail: "validator returned an untyped error"}
	}
	if _, requested := row[pl.idColumn]; !requested {
		row[pl.idColumn] = r.ID
	}
	return row, nil
}

// hashIdentifiers replaces identifier columns with their output-zone hash.
// Null values stay null.
func hashIdentifiers(row schema.Row, columns []string, salt string) error {
	for _, col := range columns {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		h, err := hipaa.HashValue(v, salt)
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		row[col] = h
	}
	return nil
}

func (p *Pipeline) logIssues(log zerolog.Logger, issues []*schema.ValidationError) {
	for i, e := range issues {
		if i == maxLoggedIssues {
			log.Warn().Int("more", len(issues)-maxLoggedIssues).Msg("further validation issues not logged")
			return
		}
		log.Warn().Str("field", e.Field).Str("rule", e.Rule).Msg("row failed validation")
	}
}
