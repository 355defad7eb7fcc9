package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/JakeFAU/docconvert/internal/formats"
)

// formatsDocument mirrors the GET /formats body without the timestamp.
type formatsDocument struct {
	Version  string                     `json:"version" yaml:"version"`
	Input    []string                   `json:"input" yaml:"input"`
	Output   []string                   `json:"output" yaml:"output"`
	Examples map[string]formats.Example `json:"examples" yaml:"examples"`
}

func newFormatsCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List supported input and output formats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeFormats(cmd.OutOrStdout(), output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func writeFormats(w io.Writer, output string) error {
	listing := formats.ListAll()
	doc := formatsDocument{
		Version:  formats.Version,
		Input:    listing.Input,
		Output:   listing.Output,
		Examples: formats.Examples(),
	}

	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return nil
	case "table", "":
		_, err := fmt.Fprintln(w, renderFormatsTable(listing, shouldColorize(w)))
		return err
	default:
		return fmt.Errorf("unsupported output %q (want table, json or yaml)", output)
	}
}

// renderFormatsTable lists every known format once with its directions.
func renderFormatsTable(listing formats.Listing, colorize bool) string {
	names := slices.Clone(listing.Input)
	for _, name := range listing.Output {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if colorize {
		tw.SetStyle(table.StyleColoredBright)
	}
	tw.AppendHeader(table.Row{"Format", "Input", "Output"})
	for _, name := range names {
		tw.AppendRow(table.Row{
			name,
			mark(slices.Contains(listing.Input, name)),
			mark(slices.Contains(listing.Output, name)),
		})
	}
	tw.SetCaption("registry version %s", formats.Version)
	return tw.Render()
}

func mark(ok bool) string {
	if ok {
		return "yes"
	}
	return "-"
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
