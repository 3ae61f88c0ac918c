package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/phiextract/internal/extraction"
	"github.com/ehr/phiextract/internal/platform/civiltime"
	"github.com/ehr/phiextract/internal/platform/db"
	"github.com/ehr/phiextract/internal/platform/export"
	"github.com/ehr/phiextract/internal/platform/hipaa"
	"github.com/ehr/phiextract/internal/platform/metrics"
	"github.com/ehr/phiextract/internal/platform/schema"
)

type extractOptions struct {
	by         string
	ids        string
	idsFile    string
	fields     string
	actor      string
	out        string
	format     string
	salt       string
	saltEnv    string
	schemaFile string
	noAudit    bool
}

func extractCmd(envFile *string) *cobra.Command {
	opts := extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract <resource>",
		Short: "Extract fields for a set of cases or patients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, *envFile, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.by, "by", "", "identifier dimension: cases or patients")
	f.StringVar(&opts.ids, "ids", "", "comma-separated identifiers")
	f.StringVar(&opts.idsFile, "ids-file", "", "file with one identifier per line")
	f.StringVar(&opts.fields, "fields", "", "comma-separated fields to extract")
	f.StringVar(&opts.actor, "actor", os.Getenv("USER"), "who is extracting, recorded in the audit log")
	f.StringVar(&opts.out, "out", "", "output file (default stdout)")
	f.StringVar(&opts.format, "format", "", "csv or jsonl (default from --out suffix, csv on stdout)")
	f.StringVar(&opts.salt, "output-hash-salt", "", "salt for hashing identifiers in the output")
	f.StringVar(&opts.saltEnv, "output-hash-salt-env", "", "environment variable holding the output salt")
	f.StringVar(&opts.schemaFile, "schema", "", "YAML schema replacing the built-in one")
	f.BoolVar(&opts.noAudit, "no-audit", false, "run without writing an audit entry")
	_ = cmd.MarkFlagRequired("by")
	_ = cmd.MarkFlagRequired("fields")

	return cmd
}

func runExtract(cmd *cobra.Command, envFile, resource string, opts extractOptions) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	by, err := extraction.ParseBy(opts.by)
	if err != nil {
		return err
	}
	ids, err := readIDs(opts.ids, opts.idsFile)
	if err != nil {
		return err
	}
	salt, err := resolveSalt(opts.salt, opts.saltEnv)
	if err != nil {
		return err
	}
	if salt != "" && salt == cfg.AuditHashSalt {
		logger.Warn().Msg("output salt equals the audit salt; output hashes can be linked to audit samples")
	}

	source, err := civiltime.LoadZone(cfg.SourceTimezone)
	if err != nil {
		return err
	}
	target, err := civiltime.LoadZone(cfg.TargetTimezone)
	if err != nil {
		return err
	}

	exp, err := newExporter(cmd.OutOrStdout(), opts.out, opts.format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseDSN(), cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	registry, err := buildRegistry(pool, cfg.SourceTimezone, opts.schemaFile, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	pipeline := extraction.NewPipeline(registry,
		schema.Validator{Source: source, Target: target},
		extraction.WithLogger(logger),
		extraction.WithMetrics(m),
	)

	runOpts := extraction.RunOptions{Exporter: exp, SkipAudit: opts.noAudit}
	if opts.noAudit {
		logger.Warn().Msg("audit disabled for this run")
	} else {
		audit, err := hipaa.NewAuditLogger(hipaa.AuditConfig{
			Path:             cfg.AuditPath,
			IncludeIDSamples: cfg.AuditIncludeIDSamples,
			IDSampleSize:     cfg.AuditIDSampleSize,
			IDHashSalt:       cfg.AuditHashSalt,
		}, hipaa.WithAuditLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := audit.Close(); err != nil {
				logger.Error().Err(err).Msg("close audit log")
			}
		}()
		runOpts.Audit = audit
	}

	result, err := pipeline.Run(ctx, extraction.Request{
		Resource:       resource,
		By:             by,
		IDs:            ids,
		Fields:         splitList(opts.fields),
		OutputHashSalt: salt,
		Actor:          opts.actor,
	}, runOpts)

	if werr := m.WriteTextfile(cfg.MetricsTextfile); werr != nil {
		logger.Warn().Err(werr).Msg("write metrics textfile")
	}
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	if result.Degraded() {
		fmt.Fprintf(stderr, "WARNING: extraction completed without an audit entry: %v\n", result.AuditErr)
	}
	fmt.Fprintf(stderr, "requested=%d fetched=%d validated=%d invalid=%d\n",
		result.Summary.Requested, result.Summary.Fetched, result.Summary.Validated, result.Summary.Invalid)
	return nil
}

func newExporter(stdout io.Writer, out, format string) (extraction.Exporter, error) {
	if out != "" && out != "-" {
		fe, err := export.NewFileExporter(out, format)
		if err != nil {
			return nil, err
		}
		return fe, nil
	}
	f := export.FormatCSV
	if format != "" {
		var err error
		if f, err = export.ParseFormat(format); err != nil {
			return nil, err
		}
	}
	return export.NewStreamExporter(stdout, f), nil
}

// splitList splits a comma-separated flag, dropping surrounding whitespace
// and empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readIDs merges --ids with --ids-file. The file holds one identifier per
// line; blank lines and lines starting with # are skipped.
func readIDs(list, file string) ([]string, error) {
	ids := splitList(list)
	if file == "" {
		return ids, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("ids file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ids file: %w", err)
	}
	return ids, nil
}

// resolveSalt returns the output salt from the flag or the named variable.
// Setting both is ambiguous and rejected.
func resolveSalt(flag, envVar string) (string, error) {
	if envVar == "" {
		return flag, nil
	}
	if flag != "" {
		return "", fmt.Errorf("use either --output-hash-salt or --output-hash-salt-env")
	}
	v, ok := os.LookupEnv(envVar)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", envVar)
	}
	return v, nil
}
