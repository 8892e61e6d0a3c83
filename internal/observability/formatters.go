// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

var statusMarks = map[types.StageStatus]string{
	types.StageWaiting:             "·",
	types.StageRunning:             "▶",
	types.StageFinishedWithSuccess: "✓",
	types.StageFinishedWithError:   "✗",
}

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintPipeline outputs the stage list of a pipeline.
func (p *Printer) PrintPipeline(pipeline *types.RobotPipeline) {
	if pipeline == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Pipeline: %s\n", pipeline.ID))
	if pipeline.Label != "" {
		sb.WriteString(fmt.Sprintf("Label:    %s\n", pipeline.Label))
	}
	sb.WriteString(fmt.Sprintf("Project:  %s\n\n", pipeline.ProjectID))

	for i, s := range pipeline.Stages {
		sb.WriteString(fmt.Sprintf("%d. %s [%s]", i+1, s.DisplayName(), s.Command.Kind))
		if s.OutputPath != nil {
			sb.WriteString(fmt.Sprintf(" -> %s", *s.OutputPath))
		}
		sb.WriteString("\n")
	}

	p.printBox("ROBOT PIPELINE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintStatus outputs the progress of an execution. Stage labels are taken from
// pipeline when it is given.
func (p *Printer) PrintStatus(status *types.PipelineStatus, pipeline *types.RobotPipeline) {
	if status == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Execution: %s\n", status.ExecutionID))
	sb.WriteString(fmt.Sprintf("Outcome:   %s\n", status.Outcome))
	sb.WriteString(fmt.Sprintf("Started:   %s\n", status.StartTime.Format(time.RFC3339)))
	if status.EndTime != nil {
		sb.WriteString(fmt.Sprintf("Duration:  %s\n", status.EndTime.Sub(status.StartTime).Round(time.Millisecond)))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s Preparation: %s\n", statusMarks[status.Preparation.Status], status.Preparation.Message))

	for i, s := range status.Stages {
		name := s.StageID.String()
		if pipeline != nil {
			if stage, ok := pipeline.Stage(s.StageID); ok {
				name = stage.DisplayName()
			}
		}
		sb.WriteString(fmt.Sprintf("%s %d. %s", statusMarks[s.Status], i+1, name))
		if s.Message != "" {
			sb.WriteString(": " + s.Message)
		}
		sb.WriteString("\n")
	}
	if status.Message != "" {
		sb.WriteString("\n" + status.Message + "\n")
	}

	p.printBox("EXECUTION STATUS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintResult outputs where a successful execution stored its outputs.
func (p *Printer) PrintResult(result *types.PipelineSuccessResult) {
	if result == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Revision: %d\n", result.Revision))
	if result.Location != "" {
		sb.WriteString(fmt.Sprintf("Result:   %s\n", result.Location))
	}

	if len(result.Outputs) > 0 {
		paths := make([]string, 0, len(result.Outputs))
		for path := range result.Outputs {
			paths = append(paths, path)
		}
		sort.Strings(paths)

		sb.WriteString("\nOutputs:\n")
		count := min(len(paths), maxItemsToShow)
		for _, path := range paths[:count] {
			sb.WriteString(fmt.Sprintf("  • %s\n", path))
		}
		if len(paths) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(paths)-maxItemsToShow))
		}
	}

	p.printBox("PIPELINE RESULT", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintEvent writes a one-line event trace.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(e events.Event) {
	line := fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05.000"), e.Name)
	if e.StageLabel != "" {
		line += " " + e.StageLabel
	}
	if e.Message != "" {
		line += ": " + e.Message
	}
	fmt.Fprintln(p.out, line)
}
