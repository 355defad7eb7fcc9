package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docconvert/internal/converter"
	"github.com/JakeFAU/docconvert/internal/formats"
	"github.com/JakeFAU/docconvert/internal/metrics"
	"github.com/JakeFAU/docconvert/internal/workspace"
)

const defaultMaxBodyBytes = 100 * 1024

var errTrailingData = errors.New("unexpected data after JSON object")

type convertRequest struct {
	Content    string `json:"content"`
	FromFormat string `json:"fromFormat"`
	ToFormat   string `json:"toFormat"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, envelope{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	checker, ok := s.converter.(readinessChecker)
	if !ok {
		s.respond(w, http.StatusOK, envelope{"status": "ready"})
		return
	}
	if err := checker.Available(); err != nil {
		s.respond(w, http.StatusServiceUnavailable, envelope{"status": "unavailable", "error": err.Error()})
		return
	}
	body := envelope{"status": "ready"}
	version, err := checker.Version(r.Context())
	if err != nil {
		s.logger.Warn("converter version lookup failed", zap.Error(err))
	} else {
		body["converter"] = version
	}
	s.respond(w, http.StatusOK, body)
}

func (s *Server) formats(w http.ResponseWriter, _ *http.Request) {
	listing := formats.ListAll()
	s.respond(w, http.StatusOK, envelope{
		"version":  formats.Version,
		"input":    listing.Input,
		"output":   listing.Output,
		"examples": formats.Examples(),
	})
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) error {
	limit := s.cfg.Server.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req convertRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		var maxErr *http.MaxBytesError
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &maxErr):
			metrics.ObserveValidationFailure("payload_too_large")
			s.respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, errTrailingData):
			metrics.ObserveValidationFailure("invalid_json")
			s.respond(w, http.StatusBadRequest, envelope{
				"error":   "Invalid JSON",
				"details": "Please check your JSON syntax",
			})
		case errors.As(err, &typeErr):
			metrics.ObserveValidationFailure("invalid_json")
			details := "Request body must be a JSON object"
			if typeErr.Field != "" {
				details = fmt.Sprintf("%s must be a string", typeErr.Field)
			}
			s.respond(w, http.StatusBadRequest, envelope{"error": "Invalid JSON", "details": details})
		default:
			return fmt.Errorf("read request body: %w", err)
		}
		return nil
	}

	if req.Content == "" || req.FromFormat == "" || req.ToFormat == "" {
		metrics.ObserveValidationFailure("missing_parameters")
		s.respondError(w, http.StatusBadRequest, "Missing required parameters")
		return nil
	}
	if !formats.IsValidInput(req.FromFormat) {
		metrics.ObserveValidationFailure("unsupported_input")
		s.respondError(w, http.StatusBadRequest, "Unsupported input format: "+req.FromFormat)
		return nil
	}
	if !formats.IsValidOutput(req.ToFormat) {
		metrics.ObserveValidationFailure("unsupported_output")
		s.respondError(w, http.StatusBadRequest, "Unsupported output format: "+req.ToFormat)
		return nil
	}

	result, err := s.runConversion(r.Context(), req)
	if err != nil {
		s.logger.Error("conversion error",
			zap.String("request_id", requestID(r.Context())),
			zap.String("from", req.FromFormat),
			zap.String("to", req.ToFormat),
			zap.Error(err),
		)
		s.respond(w, http.StatusInternalServerError, envelope{
			"error":   "Conversion failed",
			"details": err.Error(),
		})
		return nil
	}
	s.respond(w, http.StatusOK, envelope{"result": result})
	return nil
}

// runConversion drives one job through the workspace and converter. The
// workspace is released before returning on every path past Acquire.
func (s *Server) runConversion(ctx context.Context, req convertRequest) (result string, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveConversion(req.FromFormat, req.ToFormat, outcome(err), time.Since(start))
	}()

	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job, err := s.workspace.Acquire(id, req.FromFormat, req.ToFormat)
	if err != nil {
		return "", fmt.Errorf("acquire workspace: %w", err)
	}
	defer s.workspace.Release(job)

	if err := s.workspace.WriteInput(job, req.Content); err != nil {
		return "", err
	}

	if err := s.invoke(ctx, job, req); err != nil {
		return "", err
	}

	return s.workspace.ReadOutput(job)
}

// invoke runs the converter for job. A client disconnect does not stop it;
// only the converter's own timeout does.
func (s *Server) invoke(ctx context.Context, job workspace.Job, req convertRequest) error {
	metrics.IncActiveConversions()
	defer metrics.DecActiveConversions()

	return s.converter.Convert(context.WithoutCancel(ctx), converter.Request{
		InputPath:  job.InputPath,
		From:       req.FromFormat,
		To:         req.ToFormat,
		OutputPath: job.OutputPath,
	})
}

func outcome(err error) string {
	var convErr *converter.ConversionError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &convErr):
		return metrics.OutcomeConversionError
	default:
		return metrics.OutcomeIOError
	}
}

// decodeJSON reads exactly one JSON value from body. An empty body decodes to
// the zero value.
func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return errTrailingData
	}
	return nil
}
