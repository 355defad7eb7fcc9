// Package converter runs the external document converter (pandoc) as a
// subprocess.
package converter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
)

// DefaultBinary is the converter executable resolved on PATH.
const DefaultBinary = "pandoc"

// Request describes one conversion between two files on disk.
type Request struct {
	InputPath  string
	From       string
	To         string
	OutputPath string
}

// Converter turns the file at InputPath into OutputPath.
type Converter interface {
	Convert(ctx context.Context, req Request) error
}

// ConversionError carries the converter's diagnostic text for a failed run.
type ConversionError struct {
	Diagnostic string
	Err        error
}

func (e *ConversionError) Error() string {
	return "Pandoc failed: " + e.Diagnostic
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Option configures the CLI converter.
type Option func(*CLI)

// WithBinary overrides the default binary name or path.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithTimeout bounds each run. Zero leaves runs unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *CLI) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for failed runs.
func WithLogger(logger *zap.Logger) Option {
	return func(c *CLI) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// CLI wraps the pandoc command line.
type CLI struct {
	binary  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCLI constructs a CLI converter using defaults.
func NewCLI(opts ...Option) *CLI {
	c := &CLI{binary: DefaultBinary, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Binary returns the configured executable.
func (c *CLI) Binary() string {
	return c.binary
}

// Convert runs `<binary> -f <from> -t <to> -o <output> <input>` and waits for
// it to exit. Nothing is retried.
func (c *CLI) Convert(ctx context.Context, req Request) error {
	if req.InputPath == "" || req.OutputPath == "" {
		return errors.New("input and output paths required")
	}
	if req.From == "" || req.To == "" {
		return errors.New("source and target formats required")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{"-f", req.From, "-t", req.To, "-o", req.OutputPath, req.InputPath}
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		diagnostic := strings.TrimSpace(stderr.String())
		switch {
		case c.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded):
			diagnostic = fmt.Sprintf("timed out after %s", c.timeout)
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		case diagnostic == "":
			diagnostic = err.Error()
		}
		c.logger.Error("pandoc execution error",
			zap.String("from", req.From),
			zap.String("to", req.To),
			zap.String("stderr", stderr.String()),
			zap.Error(err),
		)
		return &ConversionError{Diagnostic: diagnostic, Err: err}
	}
	return nil
}

// Available reports whether the binary resolves to an executable.
func (c *CLI) Available() error {
	if _, err := lookPath(c.binary); err != nil {
		return fmt.Errorf("locate %s: %w", c.binary, err)
	}
	return nil
}

// Version returns the first line of `<binary> --version`.
func (c *CLI) Version(ctx context.Context) (string, error) {
	cmd := commandContext(ctx, c.binary, "--version") //nolint:gosec
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", c.binary, err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", fmt.Errorf("%s --version: empty output", c.binary)
}

var _ Converter = (*CLI)(nil)
