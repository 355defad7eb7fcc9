package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/docconvert/internal/converter"
	"github.com/JakeFAU/docconvert/internal/formats"
	"github.com/JakeFAU/docconvert/internal/id/uuid"
	"github.com/JakeFAU/docconvert/internal/workspace"
)

func newConvertCommand() *cobra.Command {
	var from, to, out string
	cmd := &cobra.Command{
		Use:   "convert [input|-]",
		Short: "Convert one document without starting the server",
		Long: `Reads a document from the named file (or stdin when omitted or "-"),
converts it through the same workspace and converter the gateway uses, and
writes the result to stdout or --out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}
			content, err := readSource(cmd.InOrStdin(), source)
			if err != nil {
				return err
			}
			result, err := convertDocument(cmd.Context(), appInstance, content, from, to)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), result)
				return err
			}
			if err := os.WriteFile(out, []byte(result), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&from, "from", "f", "", "source format")
	cmd.Flags().StringVarP(&to, "to", "t", "", "target format")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func readSource(stdin io.Reader, source string) (string, error) {
	if source == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	// #nosec G304 -- the operator names the file to convert.
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", source, err)
	}
	return string(data), nil
}

// convertDocument applies the gateway's validation and workspace lifecycle to
// a single local conversion.
func convertDocument(ctx context.Context, appInstance *App, content, from, to string) (string, error) {
	if content == "" {
		return "", errors.New("input is empty")
	}
	if !formats.IsValidInput(from) {
		return "", fmt.Errorf("unsupported input format: %s", from)
	}
	if !formats.IsValidOutput(to) {
		return "", fmt.Errorf("unsupported output format: %s", to)
	}

	logger := appInstance.Logger
	ws, err := workspace.New(appInstance.Config.Workspace.Dir, logger.Named("workspace"))
	if err != nil {
		return "", fmt.Errorf("init workspace: %w", err)
	}
	id, err := uuid.New().NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job, err := ws.Acquire(id, from, to)
	if err != nil {
		return "", fmt.Errorf("acquire workspace: %w", err)
	}
	defer ws.Release(job)

	if err := ws.WriteInput(job, content); err != nil {
		return "", err
	}
	conv := newConverter(appInstance.Config, logger)
	if err := conv.Convert(ctx, converter.Request{
		InputPath:  job.InputPath,
		From:       from,
		To:         to,
		OutputPath: job.OutputPath,
	}); err != nil {
		return "", err
	}
	return ws.ReadOutput(job)
}
