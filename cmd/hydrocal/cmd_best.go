package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/hydrocal/internal/config"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/ledger"
)

func runBest(cmd *cobra.Command, args []string) error {
	obj, err := ledger.ParseObjective(objectiveName)
	if err != nil {
		return apperr.E(apperr.KindConfiguration, "best", "ParseObjective", err)
	}
	paths := config.ProjectPaths(args[0])

	names, records, err := ledger.ReadFile(paths.Ledger)
	if errors.Is(err, os.ErrNotExist) {
		return apperr.Configuration("best", "no results in %s", paths.Root)
	}
	if err != nil {
		return err
	}

	index, err := ledger.OpenIndex(paths.Index)
	if err != nil {
		return err
	}
	defer index.Close()

	// The CSV ledger is authoritative; bring the index up to date with it.
	total, _, err := index.Counts(cmd.Context())
	if err != nil {
		return err
	}
	if total < len(records) {
		logger.Info("Importing ledger into run index", map[string]interface{}{
			"records": len(records),
			"indexed": total,
		})
		if err := index.Import(cmd.Context(), records); err != nil {
			return err
		}
	}

	best, err := index.Best(cmd.Context(), obj, limit)
	if err != nil {
		return err
	}
	if len(best) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No successful runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "RUN\t%s\t%s\n", strings.Join(ledger.ObjectiveColumns, "\t"), strings.Join(names, "\t"))
	for _, rec := range best {
		cells := make([]string, 0, len(rec.Objectives)+len(rec.Parameters))
		for _, v := range rec.Objectives {
			cells = append(cells, fmt.Sprintf("%.4f", v))
		}
		for _, v := range rec.Parameters {
			cells = append(cells, fmt.Sprintf("%g", v))
		}
		fmt.Fprintf(tw, "%s\t%s\n", rec.RunID, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}
