// Package cli provides the trader command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
	faint  = color.New(color.Faint)
)

// Output handles formatted output for the CLI. Colour is dropped
// automatically when stdout is not a terminal.
type Output struct {
	writer   io.Writer
	jsonMode bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{writer: cmd.OutOrStdout(), jsonMode: jsonMode}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as indented JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Output) Success(format string, args ...interface{}) { o.line(green, format, args...) }
func (o *Output) Error(format string, args ...interface{})   { o.line(red, format, args...) }
func (o *Output) Warning(format string, args ...interface{}) { o.line(yellow, format, args...) }
func (o *Output) Info(format string, args ...interface{})    { o.line(cyan, format, args...) }
func (o *Output) Bold(format string, args ...interface{})    { o.line(bold, format, args...) }
func (o *Output) Dim(format string, args ...interface{})     { o.line(faint, format, args...) }

func (o *Output) line(c *color.Color, format string, args ...interface{}) {
	c.Fprintf(o.writer, format+"\n", args...)
}

// Field prints an aligned "label: value" row.
func (o *Output) Field(label string, value interface{}) {
	fmt.Fprintf(o.writer, "  %-18s %v\n", label+":", value)
}

// Outcome colours an outcome label for tables.
func Outcome(label string) string {
	switch label {
	case "filled":
		return green.Sprint(label)
	case "filled_low_confidence", "blocked":
		return yellow.Sprint(label)
	default:
		return red.Sprint(label)
	}
}
