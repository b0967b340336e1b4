// Package main provides UI utilities for the docpipe CLI.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// UI provides user-friendly output utilities. In JSON mode every decorative
// printer is silent so command output stays machine-readable.
type UI struct {
	jsonMode bool
	noColor  bool
}

// NewUI creates a new UI instance.
func NewUI(jsonMode, noColor bool) *UI {
	return &UI{jsonMode: jsonMode, noColor: noColor}
}

// Success prints a success message.
func (ui *UI) Success(format string, args ...interface{}) {
	ui.line(color.New(color.FgGreen), "✓", format, args...)
}

// Error prints an error message to stderr.
func (ui *UI) Error(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if ui.noColor {
		fmt.Fprintf(os.Stderr, "✗ %s\n", msg)
	} else {
		color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", msg)
	}
}

// Warning prints a warning message.
func (ui *UI) Warning(format string, args ...interface{}) {
	ui.line(color.New(color.FgYellow), "⚠", format, args...)
}

// Info prints an info message.
func (ui *UI) Info(format string, args ...interface{}) {
	ui.line(color.New(color.FgCyan), "ℹ", format, args...)
}

func (ui *UI) line(c *color.Color, prefix, format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if ui.noColor {
		fmt.Printf("%s %s\n", prefix, msg)
	} else {
		c.Printf("%s %s\n", prefix, msg)
	}
}

// KeyValue prints an indented key-value pair.
func (ui *UI) KeyValue(key string, value interface{}) {
	if ui.jsonMode {
		return
	}
	if ui.noColor {
		fmt.Printf("  %s: %v\n", key, value)
	} else {
		color.New(color.FgYellow).Printf("  %s: ", key)
		fmt.Printf("%v\n", value)
	}
}

// Newline prints a newline.
func (ui *UI) Newline() {
	if !ui.jsonMode {
		fmt.Println()
	}
}

// Table prints a formatted table.
func (ui *UI) Table(headers []string, rows [][]string) {
	if ui.jsonMode || len(headers) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = fmt.Sprintf(" %-*s ", widths[i], cell)
		}
		fmt.Printf("|%s|\n", strings.Join(parts, "|"))
	}
	printRule := func() {
		parts := make([]string, len(widths))
		for i, w := range widths {
			parts[i] = strings.Repeat("-", w+2)
		}
		fmt.Printf("+%s+\n", strings.Join(parts, "+"))
	}

	printRule()
	if ui.noColor {
		printRow(headers)
	} else {
		// Color codes break padding math, so pad first and color after.
		parts := make([]string, len(widths))
		for i, h := range headers {
			padded := fmt.Sprintf(" %-*s ", widths[i], h)
			parts[i] = color.New(color.FgCyan, color.Bold).Sprint(padded)
		}
		fmt.Printf("|%s|\n", strings.Join(parts, "|"))
	}
	printRule()
	for _, row := range rows {
		printRow(row)
	}
	printRule()
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

// IsTerminal checks if stdout is a terminal.
func IsTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
