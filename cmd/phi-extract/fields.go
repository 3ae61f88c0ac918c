package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/phiextract/internal/extraction"
)

func fieldsCmd() *cobra.Command {
	var schemaFile string
	cmd := &cobra.Command{
		Use:   "fields <resource>",
		Short: "List the fields a resource can extract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := buildRegistry(nil, "UTC", schemaFile, zerolog.Nop())
			if err != nil {
				return err
			}
			res, ok := registry.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown resource %q (known: %s)", args[0], strings.Join(registry.Names(), ", "))
			}
			return printFields(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&schemaFile, "schema", "", "YAML schema replacing the built-in one")
	return cmd
}

func printFields(w io.Writer, res *extraction.Resource) error {
	dims := make([]string, 0, len(res.IDColumns))
	for _, by := range res.Dimensions() {
		dims = append(dims, string(by))
	}
	fmt.Fprintf(w, "%s (by: %s)\n\n", res.Name, strings.Join(dims, ", "))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tKIND\tNULLABLE\tCONSTRAINTS\tNOTES")
	for _, f := range res.Schema.Fields {
		var notes []string
		if f.Identifier {
			notes = append(notes, "identifier")
		}
		if d, ok := res.Derived[f.Name]; ok {
			notes = append(notes, "derived from "+strings.Join(d.DependsOn, "+"))
		}
		if by, ok := res.Requires[f.Name]; ok {
			notes = append(notes, "by "+string(by)+" only")
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", f.Name, f.Kind, f.Nullable, constraints(f.Enum, f.Min, f.Max, f.Normalize), strings.Join(notes, ", "))
	}
	return tw.Flush()
}

func constraints(enum []string, minV, maxV *float64, normalize map[string]string) string {
	var parts []string
	if len(enum) > 0 {
		parts = append(parts, "one of "+strings.Join(enum, "|"))
	}
	if minV != nil || maxV != nil {
		lo, hi := "-inf", "+inf"
		if minV != nil {
			lo = strconv.FormatFloat(*minV, 'f', -1, 64)
		}
		if maxV != nil {
			hi = strconv.FormatFloat(*maxV, 'f', -1, 64)
		}
		parts = append(parts, "["+lo+", "+hi+"]")
	}
	if len(normalize) > 0 {
		keys := make([]string, 0, len(normalize))
		for k := range normalize {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, "normalizes "+strings.Join(keys, ","))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "; ")
}
