package hipaa

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AuditSearchParams holds filter, pagination, and sort parameters for audit trail search.
type AuditSearchParams struct {
	Actor     string     `json:"actor"`
	Resource  string     `json:"resource"`
	By        string     `json:"by"`
	Field     string     `json:"field"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
	SortOrder string     `json:"sort_order"`
}

// AuditSearchResult contains paginated search results.
type AuditSearchResult struct {
	Entries []*AuditEntry `json:"entries"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// AuditSummary contains aggregated statistics for audit entries.
type AuditSummary struct {
	TotalEntries int            `json:"total_entries"`
	TotalRows    int            `json:"total_rows"`
	TotalInvalid int            `json:"total_invalid"`
	ByActor      map[string]int `json:"by_actor"`
	ByResource   map[string]int `json:"by_resource"`
	ByField      map[string]int `json:"by_field"`
	TimeRange    struct {
		First time.Time `json:"first"`
		Last  time.Time `json:"last"`
	} `json:"time_range"`
}

// indexedEntry pairs an entry with its parsed timestamp.
type indexedEntry struct {
	entry *AuditEntry
	ts    time.Time
}

// AuditSearcher answers questions over an audit log that has been read into
// memory. It never writes to the log.
type AuditSearcher struct {
	entries []indexedEntry
}

// LoadAuditLog reads the JSONL audit log at path.
func LoadAuditLog(path string) (*AuditSearcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hipaa audit: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadAuditLog(f)
}

// ReadAuditLog parses one AuditEntry per line. A malformed line fails the
// whole read; errors name the line number only.
func ReadAuditLog(r io.Reader) (*AuditSearcher, error) {
	s := &AuditSearcher{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		entry := &AuditEntry{}
		if err := json.Unmarshal([]byte(raw), entry); err != nil {
			return nil, fmt.Errorf("hipaa audit: line %d: malformed entry", line)
		}
		ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("hipaa audit: line %d: bad timestamp", line)
		}
		s.entries = append(s.entries, indexedEntry{entry: entry, ts: ts})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hipaa audit: read: %w", err)
	}
	return s, nil
}

// Len returns the number of entries read.
func (s *AuditSearcher) Len() int { return len(s.entries) }

// applyDefaults normalizes search params, applying defaults for limit, sort, etc.
func applyDefaults(params *AuditSearchParams) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if params.SortOrder == "" {
		params.SortOrder = "desc"
	}
}

// matchEntry returns true if the entry matches all non-zero filter criteria.
func matchEntry(e indexedEntry, params AuditSearchParams) bool {
	if params.Actor != "" && e.entry.Actor != params.Actor {
		return false
	}
	if params.Resource != "" && e.entry.Resource != params.Resource {
		return false
	}
	if params.By != "" && e.entry.Params.By != params.By {
		return false
	}
	if params.Field != "" && !containsString(e.entry.Params.Fields, params.Field) {
		return false
	}
	if params.StartTime != nil && e.ts.Before(*params.StartTime) {
		return false
	}
	if params.EndTime != nil && e.ts.After(*params.EndTime) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *AuditSearcher) filterEntries(params AuditSearchParams) []indexedEntry {
	var filtered []indexedEntry
	for _, e := range s.entries {
		if matchEntry(e, params) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// sortEntries orders by timestamp; equal timestamps keep log order.
func sortEntries(entries []indexedEntry, sortOrder string) {
	sort.SliceStable(entries, func(i, j int) bool {
		if sortOrder == "asc" {
			return entries[i].ts.Before(entries[j].ts)
		}
		return entries[i].ts.After(entries[j].ts)
	})
}

func unwrap(entries []indexedEntry) []*AuditEntry {
	out := make([]*AuditEntry, len(entries))
	for i, e := range entries {
		out[i] = e.entry
	}
	return out
}

// Search filters, sorts, and paginates audit entries.
func (s *AuditSearcher) Search(_ context.Context, params AuditSearchParams) (*AuditSearchResult, error) {
	applyDefaults(&params)

	filtered := s.filterEntries(params)
	sortEntries(filtered, params.SortOrder)

	total := len(filtered)
	start := min(params.Offset, total)
	end := min(start+params.Limit, total)

	return &AuditSearchResult{
		Entries: unwrap(filtered[start:end]),
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
	}, nil
}

// ExportCSV writes matching audit entries as CSV to the provided writer.
func (s *AuditSearcher) ExportCSV(_ context.Context, params AuditSearchParams, w io.Writer) error {
	filtered := s.filterEntries(params)
	sortEntries(filtered, params.SortOrder)

	cw := csv.NewWriter(w)
	header := []string{"ts", "actor", "resource", "by", "fields", "count_ids", "rows", "validated", "invalid"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}
	for _, ie := range filtered {
		e := ie.entry
		record := []string{
			e.Timestamp,
			e.Actor,
			e.Resource,
			e.Params.By,
			strings.Join(e.Params.Fields, ";"),
			strconv.Itoa(e.Params.CountIDs),
			strconv.Itoa(e.Result.Rows),
			strconv.Itoa(e.Result.Validated),
			strconv.Itoa(e.Result.Invalid),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary computes aggregate statistics for matching entries.
func (s *AuditSearcher) Summary(_ context.Context, params AuditSearchParams) (*AuditSummary, error) {
	filtered := s.filterEntries(params)

	summary := &AuditSummary{
		TotalEntries: len(filtered),
		ByActor:      make(map[string]int),
		ByResource:   make(map[string]int),
		ByField:      make(map[string]int),
	}

	for i, ie := range filtered {
		e := ie.entry
		summary.ByActor[e.Actor]++
		summary.ByResource[e.Resource]++
		for _, f := range e.Params.Fields {
			summary.ByField[f]++
		}
		summary.TotalRows += e.Result.Rows
		summary.TotalInvalid += e.Result.Invalid

		if i == 0 || ie.ts.Before(summary.TimeRange.First) {
			summary.TimeRange.First = ie.ts
		}
		if i == 0 || ie.ts.After(summary.TimeRange.Last) {
			summary.TimeRange.Last = ie.ts
		}
	}

	return summary, nil
}
