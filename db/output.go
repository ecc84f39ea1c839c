package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/pyneda/minion/lib"
)

// PrintMaxSummaryLength max length an issue summary can have when printing as table
const PrintMaxSummaryLength = 80

// TableHeaders returns table headers for CLI output
func (s Scan) TableHeaders() []string {
	return []string{"ID", "Plan", "Target", "State", "Sessions", "Created", "Finished"}
}

// TableRow returns a table row for CLI output
func (s Scan) TableRow() []string {
	finished := "-"
	if s.FinishedAt != nil {
		finished = s.FinishedAt.Format(time.RFC3339)
	}
	return []string{
		s.ID.String(),
		s.Plan.Name,
		s.Target,
		string(s.State),
		fmt.Sprintf("%d", len(s.Sessions)),
		s.CreatedAt.Format(time.RFC3339),
		finished,
	}
}

// String provides a basic textual representation
func (s Scan) String() string {
	return fmt.Sprintf("ID: %s, Plan: %s, Target: %s, State: %s", s.ID, s.Plan.Name, s.Target, s.State)
}

// Pretty provides a formatted representation
func (s Scan) Pretty() string {
	var sb strings.Builder
	sb.WriteString(lib.Colorize("ID: ", lib.Blue) + s.ID.String() + "\n")
	sb.WriteString(lib.Colorize("Plan: ", lib.Blue) + s.Plan.Name + "\n")
	sb.WriteString(lib.Colorize("Target: ", lib.Blue) + s.Target + "\n")
	sb.WriteString(lib.Colorize("State: ", lib.Blue) + string(s.State) + "\n")
	if s.Failure != nil {
		sb.WriteString(lib.Colorize("Failure: ", lib.Yellow) + s.Failure.Message + "\n")
	}
	for _, session := range s.Sessions {
		sb.WriteString("- " + lib.Colorize(session.Plugin.Name+": ", lib.Cyan) + string(session.State))
		if len(session.IssueRefs) > 0 {
			sb.WriteString(fmt.Sprintf(" (%d issues)", len(session.IssueRefs)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// TableHeaders returns table headers for CLI output
func (p Plan) TableHeaders() []string {
	return []string{"Name", "Description", "Plugins"}
}

// TableRow returns a table row for CLI output
func (p Plan) TableRow() []string {
	plugins := make([]string, 0, len(p.Workflow))
	for _, step := range p.Workflow {
		plugins = append(plugins, step.PluginName)
	}
	return []string{p.Name, p.Description, strings.Join(plugins, ", ")}
}

// String provides a basic textual representation
func (p Plan) String() string {
	return fmt.Sprintf("Name: %s, Steps: %d", p.Name, len(p.Workflow))
}

// Pretty provides a formatted representation
func (p Plan) Pretty() string {
	var sb strings.Builder
	sb.WriteString(lib.Colorize("Name: ", lib.Blue) + p.Name + "\n")
	sb.WriteString(lib.Colorize("Description: ", lib.Blue) + p.Description + "\n")
	for i, step := range p.Workflow {
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, lib.Colorize(step.PluginName, lib.Cyan)))
		if step.Description != "" {
			sb.WriteString(" - " + step.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// TableHeaders returns table headers for CLI output
func (i Issue) TableHeaders() []string {
	return []string{"Id", "Code", "Severity", "Summary", "Status"}
}

// TableRow returns a table row for CLI output
func (i Issue) TableRow() []string {
	summary := i.Summary
	if len(summary) > PrintMaxSummaryLength {
		summary = summary[0:PrintMaxSummaryLength] + "..."
	}
	return []string{i.ID, i.Code, i.Severity.String(), summary, string(i.Status)}
}

// String provides a basic textual representation
func (i Issue) String() string {
	return fmt.Sprintf("Id: %s, Severity: %s, Summary: %s", i.ID, i.Severity, i.Summary)
}

// Pretty provides a formatted representation
func (i Issue) Pretty() string {
	var sb strings.Builder
	sb.WriteString(lib.Colorize("Id: ", lib.Blue) + i.ID + "\n")
	sb.WriteString(lib.Colorize("Code: ", lib.Blue) + i.Code + "\n")
	sb.WriteString(lib.Colorize("Severity: ", lib.Blue) + i.Severity.String() + "\n")
	sb.WriteString(lib.Colorize("Summary: ", lib.Blue) + i.Summary + "\n")
	if i.Status != "" {
		sb.WriteString(lib.Colorize("Status: ", lib.Blue) + string(i.Status) + "\n")
	}
	if i.Description != "" {
		sb.WriteString(lib.Colorize("Description: ", lib.Blue) + i.Description + "\n")
	}
	if i.Solution != "" {
		sb.WriteString(lib.Colorize("Solution: ", lib.Blue) + i.Solution + "\n")
	}
	for _, u := range i.URLs {
		sb.WriteString("- " + lib.Colorize("URL: ", lib.Cyan) + u + "\n")
	}
	return sb.String()
}
