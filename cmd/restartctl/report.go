package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/loykin/restartctl/internal/sequencer"
)

// printReport writes the final summary to stdout and diagnostic detail
// (stuck PIDs, failure stage) to stderr. Every configured service gets a
// line; a service is never silently omitted.
func printReport(out, diag io.Writer, rep *sequencer.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	names := make([]string, 0, len(rep.Services))
	for name := range rep.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "session %s: %s (%.1fs)\n", rep.Mode, rep.Stage, rep.Duration.Seconds())
	for _, name := range names {
		svc := rep.Services[name]
		fmt.Fprintf(out, "  %-24s %s\n", name, outcomeLine(svc))
	}

	if rep.Stage == sequencer.StageFailed {
		fmt.Fprintf(diag, "failed at stage %s (%s): %s\n", rep.FailureStage, rep.Kind, rep.Err)
		for _, sp := range rep.StuckPorts {
			fmt.Fprintf(diag, "stuck port %d held by pids %v\n", sp.Port, sp.PIDs)
		}
	}
	if rep.PatternKills > 0 {
		fmt.Fprintf(diag, "killed %d stray processes by pattern\n", rep.PatternKills)
	}
	return nil
}

func outcomeLine(svc *sequencer.ServiceOutcome) string {
	switch {
	case svc.Err != "":
		return "error during check: " + svc.Err
	case svc.Running && svc.Port > 0 && svc.Bound:
		return fmt.Sprintf("confirmed running (port %d bound)", svc.Port)
	case svc.Running && svc.Port > 0:
		return fmt.Sprintf("running but port %d not bound", svc.Port)
	case svc.Running:
		return "confirmed running"
	default:
		state := svc.State
		if state == "" {
			state = "UNKNOWN"
		}
		return "confirmed down (" + state + ")"
	}
}
