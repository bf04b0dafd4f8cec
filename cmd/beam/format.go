package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/schaermu/beam/internal/deployment"
)

var (
	// fatih/color disables itself when stdout is not a terminal
	infoColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed, color.Bold)
	promptColor = color.New(color.FgCyan, color.Bold)
	dimColor    = color.New(color.FgHiBlack)

	updateColors = map[deployment.Update]*color.Color{
		deployment.UpdateDeleted:    color.New(color.FgRed),
		deployment.UpdateSent:       color.New(color.FgGreen),
		deployment.UpdateReceived:   color.New(color.FgGreen),
		deployment.UpdateCreated:    color.New(color.FgCyan),
		deployment.UpdateLink:       color.New(color.FgBlue),
		deployment.UpdateAttributes: color.New(color.FgYellow),
	}
)

// isTerminal reports whether f is attached to a terminal
var isTerminal = func(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printSection prints a message prefixed by a colored section label
func printSection(w io.Writer, c *color.Color, section, msg string) {
	fmt.Fprintf(w, "%s %s\n", c.Sprintf("[%s]", section), msg)
}

func printError(w io.Writer, err error) {
	for _, line := range strings.Split(err.Error(), "\n") {
		printSection(w, errorColor, "error", line)
	}
}

// printChanges lists every record of result with its update kind
func printChanges(w io.Writer, result *deployment.Result) {
	for _, rec := range result.Records() {
		c, ok := updateColors[rec.Update]
		if !ok {
			c = dimColor
		}
		reasons := make([]string, len(rec.Reasons))
		for i, r := range rec.Reasons {
			reasons[i] = string(r)
		}
		fmt.Fprintf(w, "%s %s %s\n",
			c.Sprintf("%-10s", rec.Update),
			rec.Filename,
			dimColor.Sprintf("(%s)", strings.Join(reasons, ", ")))
	}
}

// changesSummary describes the number of records per update kind
func changesSummary(result *deployment.Result) string {
	counts := result.CountByUpdate()
	var parts []string
	for _, u := range deployment.Updates {
		if n := counts[u]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, u))
		}
	}
	noun := "files"
	if result.Len() == 1 {
		noun = "file"
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0 %s changed", noun)
	}
	return fmt.Sprintf("%d %s changed: %s", result.Len(), noun, strings.Join(parts, ", "))
}

func printChangesSummary(w io.Writer, result *deployment.Result) {
	printSection(w, infoColor, "info", changesSummary(result))
}
