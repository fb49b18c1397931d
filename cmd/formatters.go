package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"aegis/soar"

	"github.com/fatih/color"
)

// formatExecutionStatus returns a colored status string
func formatExecutionStatus(status soar.ExecutionStatus) string {
	switch status {
	case soar.ExecutionStatusCompleted:
		return color.New(color.FgGreen).Sprint(string(status))
	case soar.ExecutionStatusRunning:
		return color.New(color.FgCyan).Sprint(string(status))
	case soar.ExecutionStatusFailed:
		return color.New(color.FgRed).Sprint(string(status))
	case soar.ExecutionStatusCancelled, soar.ExecutionStatusPending:
		return color.New(color.FgYellow).Sprint(string(status))
	default:
		return string(status)
	}
}

func formatBool(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint("Yes")
	}
	return color.New(color.FgRed).Sprint("No")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-18s %s\n", key+":", value)
}

// renderExecution prints one execution record with its step trail
func renderExecution(w io.Writer, exec *soar.Execution) {
	if exec == nil {
		warningColor.Fprintln(w, "No execution")
		return
	}
	headerColor.Fprintf(w, "Execution %s\n", exec.ID)
	printField(w, "Playbook", exec.PlaybookID)
	printField(w, "Status", formatExecutionStatus(exec.Status))
	printField(w, "Attempt", fmt.Sprintf("%d", exec.Attempt))
	if exec.ParentExecutionID != "" {
		printField(w, "Parent", exec.ParentExecutionID)
	}
	if exec.IncidentID != "" {
		printField(w, "Incident", exec.IncidentID)
	}
	printField(w, "Steps", fmt.Sprintf("%d/%d", exec.CurrentStep, exec.TotalSteps))
	printField(w, "Started", formatTime(exec.StartedAt))
	printField(w, "Completed", formatTime(exec.CompletedAt))
	if d := exec.Duration(); d > 0 {
		printField(w, "Duration", d.Round(time.Millisecond).String())
	}
	if exec.ErrorMessage != "" {
		errorColor.Fprintf(w, "  %-18s %s\n", "Error:", exec.ErrorMessage)
	}

	if len(exec.StepResults) > 0 {
		fmt.Fprintln(w)
		headerColor.Fprintln(w, "  Step results")
		fmt.Fprintf(w, "  %-4s %-24s %-20s %-8s %-8s %s\n", "#", "Step", "Action", "Success", "Ms", "Error")
		fmt.Fprintln(w, "  "+strings.Repeat("-", 90))
		for _, sr := range exec.StepResults {
			fmt.Fprintf(w, "  %-4d %-24s %-20s %-8s %-8d %s\n",
				sr.StepNumber, truncate(sr.StepName, 24), truncate(sr.Action, 20),
				formatBool(sr.Success), sr.DurationMs, sr.Error)
		}
	}

	if len(exec.OutputData) > 0 {
		fmt.Fprintln(w)
		headerColor.Fprintln(w, "  Output")
		keys := make([]string, 0, len(exec.OutputData))
		for k := range exec.OutputData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-30s %s\n", truncate(k, 30), truncate(soar.Stringify(exec.OutputData[k]), 80))
		}
	}
}

// renderExecutionsTable prints a page of executions
func renderExecutionsTable(w io.Writer, execs []*soar.Execution, total int64) {
	if len(execs) == 0 {
		warningColor.Fprintln(w, "No executions found")
		return
	}
	headerColor.Fprintln(w, "EXECUTIONS")
	fmt.Fprintf(w, "%-36s %-24s %-10s %-7s %-8s %s\n", "ID", "Playbook", "Status", "Steps", "Attempt", "Created")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, e := range execs {
		created := e.CreatedAt
		fmt.Fprintf(w, "%-36s %-24s %-10s %-7s %-8d %s\n",
			e.ID, truncate(e.PlaybookID, 24), formatExecutionStatus(e.Status),
			fmt.Sprintf("%d/%d", e.CurrentStep, e.TotalSteps), e.Attempt, formatTime(&created))
	}
	fmt.Fprintf(w, "\nShowing %d of %d executions\n", len(execs), total)
}

// renderPlaybooksTable prints stored playbooks
func renderPlaybooksTable(w io.Writer, playbooks []*soar.Playbook) {
	if len(playbooks) == 0 {
		warningColor.Fprintln(w, "No playbooks found")
		return
	}
	headerColor.Fprintln(w, "PLAYBOOKS")
	fmt.Fprintf(w, "%-24s %-30s %-9s %-8s %-6s %-8s %s\n", "ID", "Name", "Status", "Enabled", "Steps", "Version", "Trigger")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, pb := range playbooks {
		fmt.Fprintf(w, "%-24s %-30s %-9s %-8s %-6d %-8d %s\n",
			truncate(pb.ID, 24), truncate(pb.Name, 30), pb.Status, formatBool(pb.IsEnabled),
			len(pb.Steps), pb.Version, pb.TriggerType)
	}
	fmt.Fprintf(w, "\nTotal playbooks: %d\n", len(playbooks))
}

// renderValidation prints errors and warnings from playbook validation
func renderValidation(w io.Writer, name string, res *soar.ValidationResult) {
	if res.Valid() {
		successColor.Fprintf(w, "✓ %s is valid\n", name)
	} else {
		errorColor.Fprintf(w, "✗ %s is invalid\n", name)
	}
	for _, e := range res.Errors {
		errorColor.Fprintf(w, "  error:   %s\n", e)
	}
	for _, warn := range res.Warnings {
		warningColor.Fprintf(w, "  warning: %s\n", warn)
	}
}
