// Package output provides functions to print messages with optional color formatting
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/domain"
)

const (
	Plain   = color.FgWhite
	Success = color.FgGreen
	Warning = color.FgYellow
	Error   = color.FgRed
)

const timeFormat = "2006-01-02 15:04:05"

var maybeColorize func(kind color.Attribute, tmpl string, a ...any) string

// InitColors sets up color functions based on environment
func InitColors(isColorDisabled bool) {
	if color.NoColor || isColorDisabled {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return fmt.Sprintf(tmpl, a...)
		}
	} else {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return color.New(kind).SprintfFunc()(tmpl, a...)
		}
	}
}

// PrintMessage formats a message with color (if enabled)
func PrintMessage(kind color.Attribute, tmpl string, a ...any) string {
	if maybeColorize == nil || kind == Plain {
		return fmt.Sprintf(tmpl+"\n", a...)
	}
	return fmt.Sprintln(maybeColorize(kind, tmpl, a...))
}

// FprintPlain writes an uncolored message to the command's output
func FprintPlain(cmd *cobra.Command, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), PrintMessage(Plain, tmpl, a...))
	return err
}

// Fprint writes a message of the given kind to the command's output
func Fprint(cmd *cobra.Command, kind color.Attribute, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), PrintMessage(kind, tmpl, a...))
	return err
}

func PrintTable(header []string, data [][]string) (string, error) {
	buf := strings.Builder{}

	table := tablewriter.NewTable(
		&buf,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.Off,
				},
				Separators: tw.Separators{
					BetweenColumns: tw.Off,
				},
			},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{PerColumn: []tw.Align{tw.AlignRight, tw.AlignLeft}},
			},
		}))

	if len(header) > 0 {
		table.Header(header)
	}

	if err := table.Bulk(data); err != nil {
		return "", fmt.Errorf("bulk adding data to table: %w", err)
	}

	if err := table.Render(); err != nil {
		return "", fmt.Errorf("rendering table: %w", err)
	}

	return buf.String(), nil
}

// StatusKind picks the message color for a run status
func StatusKind(status domain.RunStatus) color.Attribute {
	switch status {
	case domain.RunStatusSuccess:
		return Success
	case domain.RunStatusFailed:
		return Error
	case domain.RunStatusRunning:
		return Warning
	default:
		return Plain
	}
}

func formatStatus(status domain.RunStatus) string {
	if maybeColorize == nil {
		return status.String()
	}
	return maybeColorize(StatusKind(status), "%s", status.String())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeFormat)
}

func formatOptionalID(id fmt.Stringer, ok bool) string {
	if !ok {
		return "-"
	}
	return id.String()
}

func PrintRunDetails(run *domain.Run) (string, error) {
	data := [][]string{
		{"ID", run.ID.String()},
		{"Status", formatStatus(run.Status)},
		{"Trigger", run.Trigger.String()},
		{"Form", formatOptionalID(run.FormID, run.FormID != nil)},
		{"Batch", formatOptionalID(run.BatchID, run.BatchID != nil)},
		{"Playbook", run.PlaybookID.String()},
		{"Server", run.ServerID.String()},
		{"Created At", run.CreatedAt.Local().Format(timeFormat)},
		{"Started At", formatTime(run.StartedAt)},
		{"Finished At", formatTime(run.FinishedAt)},
	}
	if d := run.Duration(); d > 0 {
		data = append(data, []string{"Duration", d.Round(time.Millisecond).String()})
	}

	table, err := PrintTable([]string{}, data)
	if err != nil {
		return "", fmt.Errorf("printing run details table: %w", err)
	}
	return table, nil
}

func PrintRunList(runs []*domain.Run) (string, error) {
	if len(runs) == 0 {
		return PrintMessage(Plain, "No runs found."), nil
	}

	header := []string{
		"ID",
		"Status",
		"Trigger",
		"Server",
		"Batch",
		"Created At",
		"Finished At",
	}
	var data [][]string
	for _, run := range runs {
		data = append(data, []string{
			run.ID.String(),
			formatStatus(run.Status),
			run.Trigger.String(),
			run.ServerID.String(),
			formatOptionalID(run.BatchID, run.BatchID != nil),
			run.CreatedAt.Local().Format(timeFormat),
			formatTime(run.FinishedAt),
		})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing run list table: %w", err)
	}
	return table, nil
}

// CLI flag for disabling color output

// NoColor is a flag that can be used to disable colored output in the CLI.
var NoColor = &noColorFlag{set: false}

type noColorFlag struct {
	set bool
}

func (f *noColorFlag) Set(value string) error {
	// This is a boolean flag, so we ignore the value and just mark it as set
	f.set = true
	return nil
}

func (f *noColorFlag) String() string {
	if f.set {
		return "true"
	}
	return "false"
}

func (f *noColorFlag) Type() string {
	return "bool"
}

// IsSet returns true if the --no-color flag was explicitly set
func (f *noColorFlag) IsSet() bool {
	return f.set
}

// IsBoolFlag tells pflag this is a boolean flag (no argument required)
func (f *noColorFlag) IsBoolFlag() bool {
	return true
}
