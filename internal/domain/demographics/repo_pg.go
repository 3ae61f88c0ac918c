package demographics

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/phiextract/internal/extraction"
	"github.com/ehr/phiextract/internal/platform/db"
)

// DefaultBatchSize caps the identifiers bound to a single query.
const DefaultBatchSize = 1000

// idAlias tags each selected row with the identifier it was fetched for.
const idAlias = "__id"

// Pool is the records-store handle; *pgxpool.Pool satisfies it.
type Pool interface {
	db.Querier
	db.TxBeginner
}

type repoPG struct {
	pool       Pool
	sourceZone string
	batchSize  int
	logger     zerolog.Logger
}

// RepoOption configures the fetcher.
type RepoOption func(*repoPG)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) RepoOption {
	return func(r *repoPG) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRepoLogger sets the process logger.
func WithRepoLogger(logger zerolog.Logger) RepoOption {
	return func(r *repoPG) {
		r.logger = logger.With().Str("component", "demographics-repo").Logger()
	}
}

// NewRepo returns a Fetcher over the clinical store. sourceZone names the
// zone the store's naive timestamps are recorded in; timestamps are anchored
// to it in SQL and returned as absolute instants.
func NewRepo(pool Pool, sourceZone string, opts ...RepoOption) extraction.Fetcher {
	r := &repoPG{
		pool:       pool,
		sourceZone: sourceZone,
		batchSize:  DefaultBatchSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Fetch queries the store in batches inside one read-only snapshot.
func (r *repoPG) Fetch(ctx context.Context, by extraction.By, ids []string, fields []string) ([]extraction.RawRow, error) {
	var out []extraction.RawRow
	err := db.ReadOnly(ctx, r.pool, func(ctx context.Context) error {
		for start := 0; start < len(ids); start += r.batchSize {
			end := min(start+r.batchSize, len(ids))
			q, err := buildQuery(by, fields, ids[start:end], r.sourceZone)
			if err != nil {
				return err
			}
			rows, err := r.queryRows(ctx, q)
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, end, err)
			}
			r.logger.Debug().Int("batch_start", start).Int("batch_size", end-start).Int("rows", len(rows)).Msg("batch fetched")
			out = append(out, rows...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) queryRows(ctx context.Context, q query) ([]extraction.RawRow, error) {
	rows, err := r.conn(ctx).Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	var out []extraction.RawRow
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := extraction.RawRow{Values: make(map[string]any, len(descs))}
		for i, d := range descs {
			if d.Name == idAlias {
				id, ok := vals[i].(string)
				if !ok {
					return nil, fmt.Errorf("identifier column has type %T", vals[i])
				}
				rec.ID = id
				continue
			}
			rec.Values[d.Name] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type query struct {
	sql  string
	args []any
}

type sqlBuilder struct {
	by         extraction.By
	sourceZone string
	args       []any
	zoneParam  string
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) zone() string {
	if b.zoneParam == "" {
		b.zoneParam = b.bind(b.sourceZone)
	}
	return b.zoneParam
}

// buildQuery selects exactly the requested fields plus the identifier tag.
// Field names are only interpolated after they matched a known column.
func buildQuery(by extraction.By, fields []string, ids []string, sourceZone string) (query, error) {
	b := &sqlBuilder{by: by, sourceZone: sourceZone}
	idParam := b.bind(ids)

	var idExpr, from, where string
	switch by {
	case extraction.ByCases:
		idExpr = `f."FALLNR"`
		from = `"CO6_Medic_Data_Patient" p JOIN "CO6_Medic_Data_Fall" f ON p."ID" = f."Patient_ID"`
		where = `f."FALLNR" = ANY(` + idParam + `)`
	case extraction.ByPatients:
		idExpr = `p."ID"::text`
		from = `"CO6_Medic_Data_Patient" p`
		where = `p."ID"::text = ANY(` + idParam + `)`
	default:
		return query{}, fmt.Errorf("demographics: unsupported dimension %q", by)
	}

	cols := make([]string, 0, len(fields)+1)
	cols = append(cols, idExpr+` AS "`+idAlias+`"`)
	for _, name := range fields {
		expr, err := b.column(name)
		if err != nil {
			return query{}, err
		}
		cols = append(cols, expr+` AS "`+name+`"`)
	}

	sql := "SELECT DISTINCT " + strings.Join(cols, ", ") + " FROM " + from + " WHERE " + where
	return query{sql: sql, args: b.args}, nil
}

func (b *sqlBuilder) column(name string) (string, error) {
	cases := b.by == extraction.ByCases

	switch name {
	case "patient_id":
		return `p."ID"::text`, nil
	case "patient_date_of_birth":
		return `p."GEB"::date`, nil
	case "patient_sex":
		return `p."GESCHLECHT"`, nil
	}

	if variable, ok := observationFields[name]; ok {
		id, err := VarID(variable)
		if err != nil {
			return "", err
		}
		return b.observation(id), nil
	}

	if !cases {
		return "", fmt.Errorf("demographics: field %s needs the case join", name)
	}
	switch name {
	case "case_number":
		return `f."FALLNR"`, nil
	case "case_admission_time":
		return `(f."AUFN" AT TIME ZONE ` + b.zone() + `)`, nil
	case "case_discharge_time":
		return `(f."ENTL" AT TIME ZONE ` + b.zone() + `)`, nil
	}
	return "", fmt.Errorf("demographics: no column for field %s", name)
}

// observation selects one current decimal observation for the patient:
// nearest to admission when a case is joined, otherwise the latest.
func (b *sqlBuilder) observation(varID int) string {
	order := `d."DateTimeTo" DESC`
	if b.by == extraction.ByCases {
		order = `abs(extract(epoch FROM (d."DateTimeTo" - f."AUFN")))`
	}
	return `(SELECT d."val"::float8 FROM "CO6_Data_Decimal_6_3_V" d` +
		` WHERE d."Parent_ID" = p."ID" AND d."VarID" = ` + b.bind(varID) +
		` AND d."deleted" = false AND d."FlagCurrent" = true` +
		` ORDER BY ` + order + ` LIMIT 1)`
}
