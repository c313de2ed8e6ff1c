package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func runValidate(cmd *cobra.Command, args []string) error {
	if err := checkExecutables(cfg); err != nil {
		return err
	}
	p, err := loadProject(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Project %s is valid: %d parameters, %d workers.\n\n",
		p.paths.Root, p.space.Len(), cfg.WorkerCount())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPARAMETER\tLOWER\tUPPER\tCURRENT")
	for i, d := range p.space.Definitions() {
		current := "?"
		if v, err := p.master.Value(d.Section, d.Descriptors, d.Field); err == nil {
			current = fmt.Sprintf("%g", v)
		}
		fmt.Fprintf(tw, "%d\t%s\t%g\t%g\t%s\n", i, d.Name, d.Lower, d.Upper, current)
	}
	return tw.Flush()
}
