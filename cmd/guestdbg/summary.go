package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dshills/guestdbg/internal/script"
)

// writeSummary prints the target's modules, threads and breakpoints.
func writeSummary(w io.Writer, serverVersion string, dbg script.Debugger) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "server\t%s\n", serverVersion)
	fmt.Fprintf(tw, "session\t%s\n", dbg.State())
	fmt.Fprintf(tw, "run state\t%s\n", dbg.RunState().RunState)

	modules := dbg.Modules()
	fmt.Fprintf(tw, "\nMODULES (%d)\n", len(modules))
	fmt.Fprintf(tw, "ID\tTYPE\tNAME\tFUNCTIONS\tPATH\n")
	for _, m := range modules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", m.ID, m.Type, m.Name, len(m.Functions), m.Path)
	}

	threads := dbg.Threads()
	fmt.Fprintf(tw, "\nTHREADS (%d)\n", len(threads))
	fmt.Fprintf(tw, "ID\tNAME\tSTATE\tHOST\n")
	for _, t := range threads {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", t.ThreadID, t.Name, t.State, t.IsHost)
	}

	bps := dbg.Breakpoints()
	fmt.Fprintf(tw, "\nBREAKPOINTS (%d)\n", len(bps))
	for _, bp := range bps {
		fmt.Fprintf(tw, "%s\n", bp)
	}

	return tw.Flush()
}
