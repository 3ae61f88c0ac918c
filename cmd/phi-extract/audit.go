package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/phiextract/internal/platform/hipaa"
)

type auditFilter struct {
	path     string
	actor    string
	resource string
	by       string
	field    string
	since    string
	until    string
}

func (f *auditFilter) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.path, "log", "", "audit log to read (default AUDIT_PATH)")
	fl.StringVar(&f.actor, "actor", "", "only entries by this actor")
	fl.StringVar(&f.resource, "resource", "", "only entries for this resource")
	fl.StringVar(&f.by, "by", "", "only entries for this dimension")
	fl.StringVar(&f.field, "field", "", "only entries that requested this field")
	fl.StringVar(&f.since, "since", "", "RFC 3339 lower bound, inclusive")
	fl.StringVar(&f.until, "until", "", "RFC 3339 upper bound, inclusive")
}

func (f *auditFilter) params() (hipaa.AuditSearchParams, error) {
	p := hipaa.AuditSearchParams{Actor: f.actor, Resource: f.resource, By: f.by, Field: f.field}
	var err error
	if p.StartTime, err = parseBound("since", f.since); err != nil {
		return p, err
	}
	if p.EndTime, err = parseBound("until", f.until); err != nil {
		return p, err
	}
	return p, nil
}

func parseBound(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: expected RFC 3339 time", name)
	}
	return &t, nil
}

func (f *auditFilter) load(envFile string) (*hipaa.AuditSearcher, error) {
	path := f.path
	if path == "" {
		cfg, err := loadConfig(envFile)
		if err != nil {
			return nil, err
		}
		path = cfg.AuditPath
	}
	return hipaa.LoadAuditLog(path)
}

func auditCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Review the extraction audit log",
	}
	cmd.AddCommand(auditSearchCmd(envFile), auditSummaryCmd(envFile))
	return cmd
}

func auditSearchCmd(envFile *string) *cobra.Command {
	var (
		filter auditFilter
		format string
		limit  int
		offset int
		order  string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "List matching audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := filter.params()
			if err != nil {
				return err
			}
			params.Limit, params.Offset, params.SortOrder = limit, offset, order

			s, err := filter.load(*envFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == "csv" {
				return s.ExportCSV(cmd.Context(), params, out)
			}
			result, err := s.Search(cmd.Context(), params)
			if err != nil {
				return err
			}
			return writeJSON(out, result)
		},
	}
	filter.register(cmd)
	cmd.Flags().StringVar(&format, "format", "json", "json or csv (csv ignores pagination)")
	cmd.Flags().IntVar(&limit, "limit", 100, "page size, at most 1000")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().StringVar(&order, "order", "desc", "asc or desc by timestamp")
	return cmd
}

func auditSummaryCmd(envFile *string) *cobra.Command {
	var filter auditFilter
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate matching audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := filter.params()
			if err != nil {
				return err
			}
			s, err := filter.load(*envFile)
			if err != nil {
				return err
			}
			sum, err := s.Summary(cmd.Context(), params)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sum)
		},
	}
	filter.register(cmd)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
