package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docconvert/internal/clock"
	"github.com/JakeFAU/docconvert/internal/config"
	"github.com/JakeFAU/docconvert/internal/converter"
	"github.com/JakeFAU/docconvert/internal/policy/ratelimit"
	"github.com/JakeFAU/docconvert/internal/workspace"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 45, 123_000_000, time.UTC)

type fakeIDGen struct {
	mu   sync.Mutex
	next int
	err  error
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

// fakeConverter upper-cases the input file into the output file unless fn is set.
type fakeConverter struct {
	mu    sync.Mutex
	calls []converter.Request
	fn    func(ctx context.Context, req converter.Request) error
}

func (c *fakeConverter) Convert(ctx context.Context, req converter.Request) error {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	if c.fn != nil {
		return c.fn(ctx, req)
	}
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, bytes.ToUpper(data), 0o600)
}

type versionedConverter struct {
	fakeConverter
	availableErr error
	version      string
}

func (c *versionedConverter) Available() error { return c.availableErr }

func (c *versionedConverter) Version(context.Context) (string, error) { return c.version, nil }

// failingWorkspace wraps a real manager and fails selected steps.
type failingWorkspace struct {
	*workspace.Manager
	writeErr error
	released []workspace.Job
}

func (w *failingWorkspace) WriteInput(job workspace.Job, content string) error {
	if w.writeErr != nil {
		return &workspace.IOError{Op: "write input", Path: job.InputPath, Err: w.writeErr}
	}
	return w.Manager.WriteInput(job, content)
}

func (w *failingWorkspace) Release(job workspace.Job) {
	w.released = append(w.released, job)
	w.Manager.Release(job)
}

type testEnv struct {
	server *Server
	conv   *fakeConverter
	root   string
}

func newTestEnv(t *testing.T, opts ...func(*testOptions)) *testEnv {
	t.Helper()
	o := testOptions{conv: &fakeConverter{}}
	for _, opt := range opts {
		opt(&o)
	}
	root := filepath.Join(t.TempDir(), "work")
	ws, err := workspace.New(root, zap.NewNop())
	require.NoError(t, err)
	var w Workspace = ws
	if o.wrap != nil {
		w = o.wrap(ws)
	}
	var conv converter.Converter = o.conv
	if o.checker != nil {
		conv = o.checker
	}
	server := NewServer(w, conv, o.limiter, &fakeIDGen{}, clock.Func(func() time.Time { return fixedNow }), o.cfg, zap.NewNop())
	return &testEnv{server: server, conv: o.conv, root: root}
}

type testOptions struct {
	conv    *fakeConverter
	checker *versionedConverter
	limiter RateLimiter
	cfg     config.Config
	wrap    func(*workspace.Manager) Workspace
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// requireClean asserts no job files remain in the workspace root.
func (e *testEnv) requireClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.root)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	require.Empty(t, entries, "workspace should hold no files")
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2024-05-01T12:30:45.123Z", body["timestamp"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Formats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/formats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "1.0.0", body["version"])
	assert.Len(t, body["input"], 10)
	assert.Len(t, body["output"], 9)
	assert.Contains(t, body["input"], "gfm")
	assert.Contains(t, body["output"], "pdf")
	examples, ok := body["examples"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, examples, "markdown_to_html")
	assert.Contains(t, examples, "html_to_markdown")
	assert.NotEmpty(t, body["timestamp"])
}

func TestServer_Convert_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/convert", `{"content":"# hello <b>","fromFormat":"gfm","toFormat":"html"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"result":"# HELLO <B>"`)
	body := decode(t, rec)
	assert.Equal(t, "2024-05-01T12:30:45.123Z", body["timestamp"])

	require.Len(t, env.conv.calls, 1)
	call := env.conv.calls[0]
	assert.Equal(t, "gfm", call.From)
	assert.Equal(t, "html", call.To)
	assert.Equal(t, env.root, filepath.Dir(call.InputPath))
	assert.True(t, strings.HasSuffix(call.InputPath, ".gfm"))
	assert.True(t, strings.HasSuffix(call.OutputPath, ".html"))
	assert.NoFileExists(t, call.InputPath)
	assert.NoFileExists(t, call.OutputPath)
	env.requireClean(t)
}

func TestServer_Convert_Idempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	payload := `{"content":"same input","fromFormat":"commonmark","toFormat":"plain"}`
	first := env.do(http.MethodPost, "/convert", payload)
	second := env.do(http.MethodPost, "/convert", payload)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decode(t, first)["result"], decode(t, second)["result"])
	require.Len(t, env.conv.calls, 2)
	assert.NotEqual(t, env.conv.calls[0].InputPath, env.conv.calls[1].InputPath)
}

func TestServer_Convert_ValidationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		status  int
		message string
		details string
	}{
		{"missing content", `{"fromFormat":"markdown","toFormat":"html"}`, 400, "Missing required parameters", ""},
		{"empty content", `{"content":"","fromFormat":"gfm","toFormat":"html"}`, 400, "Missing required parameters", ""},
		{"missing toFormat", `{"content":"x","fromFormat":"gfm"}`, 400, "Missing required parameters", ""},
		{"empty body", ``, 400, "Missing required parameters", ""},
		{"unsupported output", `{"content":"x","fromFormat":"docx","toFormat":"pptx"}`, 400, "Unsupported output format: pptx", ""},
		{"unsupported input", `{"content":"x","fromFormat":"markdown","toFormat":"html"}`, 400, "Unsupported input format: markdown", ""},
		{"input checked first", `{"content":"x","fromFormat":"pdf","toFormat":"pptx"}`, 400, "Unsupported input format: pdf", ""},
		{"malformed", `{"content": "x",`, 400, "Invalid JSON", "Please check your JSON syntax"},
		{"syntax", `{invalid`, 400, "Invalid JSON", "Please check your JSON syntax"},
		{"trailing data", `{"content":"x"} nope`, 400, "Invalid JSON", "Please check your JSON syntax"},
		{"wrong type", `{"content":5,"fromFormat":"gfm","toFormat":"html"}`, 400, "Invalid JSON", "content must be a string"},
		{"not an object", `["content"]`, 400, "Invalid JSON", "Request body must be a JSON object"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			rec := env.do(http.MethodPost, "/convert", tc.body)

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, tc.message, body["error"])
			if tc.details != "" {
				assert.Equal(t, tc.details, body["details"])
			} else {
				assert.NotContains(t, body, "details")
			}
			assert.NotEmpty(t, body["timestamp"])
			assert.Empty(t, env.conv.calls, "validation must short-circuit before conversion")
			_, err := os.Stat(env.root)
			assert.True(t, os.IsNotExist(err), "validation must not touch the workspace")
		})
	}
}

func TestServer_Convert_PayloadTooLarge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(o *testOptions) { o.cfg.Server.MaxBodyBytes = 64 })
	body := fmt.Sprintf(`{"content":%q,"fromFormat":"gfm","toFormat":"html"}`, strings.Repeat("a", 200))
	rec := env.do(http.MethodPost, "/convert", body)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload too large", decode(t, rec)["error"])
	assert.Empty(t, env.conv.calls)
}

func TestServer_Convert_ConverterFailure(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{fn: func(_ context.Context, req converter.Request) error {
		// Partial output must still be cleaned up.
		_ = os.WriteFile(req.OutputPath, []byte("partial"), 0o600)
		return &converter.ConversionError{Diagnostic: "Unknown extension: foo"}
	}}
	env := newTestEnv(t, func(o *testOptions) { o.conv = conv })
	rec := env.do(http.MethodPost, "/convert", `{"content":"x","fromFormat":"gfm","toFormat":"html"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Conversion failed", body["error"])
	assert.Equal(t, "Pandoc failed: Unknown extension: foo", body["details"])
	assert.NotEmpty(t, body["timestamp"])
	env.requireClean(t)
}

func TestServer_Convert_MissingOutput(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{fn: func(context.Context, converter.Request) error { return nil }}
	env := newTestEnv(t, func(o *testOptions) { o.conv = conv })
	rec := env.do(http.MethodPost, "/convert", `{"content":"x","fromFormat":"gfm","toFormat":"html"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Conversion failed", body["error"])
	assert.Contains(t, body["details"], "read output")
	env.requireClean(t)
}

func TestServer_Convert_WriteFailureReleasesWorkspace(t *testing.T) {
	t.Parallel()

	var fw *failingWorkspace
	env := newTestEnv(t, func(o *testOptions) {
		o.wrap = func(m *workspace.Manager) Workspace {
			fw = &failingWorkspace{Manager: m, writeErr: errors.New("disk full")}
			return fw
		}
	})
	rec := env.do(http.MethodPost, "/convert", `{"content":"x","fromFormat":"gfm","toFormat":"html"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Conversion failed", body["error"])
	assert.Contains(t, body["details"], "disk full")
	assert.Len(t, fw.released, 1)
	assert.Empty(t, env.conv.calls)
}

func TestServer_Convert_IDFailure(t *testing.T) {
	t.Parallel()

	ws, err := workspace.New(filepath.Join(t.TempDir(), "work"), nil)
	require.NoError(t, err)
	server := NewServer(ws, &fakeConverter{}, nil, &fakeIDGen{err: errors.New("entropy exhausted")}, nil, config.Config{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(`{"content":"x","fromFormat":"gfm","toFormat":"html"}`))
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Conversion failed", body["error"])
	assert.Contains(t, body["details"], "entropy exhausted")
	assert.Empty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Convert_PanicFallsBack(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{fn: func(context.Context, converter.Request) error {
		panic("converter exploded")
	}}
	env := newTestEnv(t, func(o *testOptions) { o.conv = conv })
	rec := env.do(http.MethodPost, "/convert", `{"content":"x","fromFormat":"gfm","toFormat":"html"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Something broke!", body["error"])
	assert.NotContains(t, rec.Body.String(), "exploded")
	env.requireClean(t)
}

func TestServer_Convert_BodyReadErrorFallsBack(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/convert", io.NopCloser(iotest.ErrReader(errors.New("connection reset"))))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Something broke!", body["error"])
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestServer_Convert_ConcurrentRequestsStayIsolated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := env.do(http.MethodPost, "/convert", fmt.Sprintf(`{"content":"doc %d","fromFormat":"gfm","toFormat":"html"}`, i))
			codes[i] = rec.Code
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err == nil {
				results[i], _ = body["result"].(string)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, fmt.Sprintf("DOC %d", i), results[i])
	}
	env.requireClean(t)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	t.Run("Ready", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, func(o *testOptions) { o.checker = &versionedConverter{version: "pandoc 3.1.11"} })
		rec := env.do(http.MethodGet, "/readyz", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "ready", body["status"])
		assert.Equal(t, "pandoc 3.1.11", body["converter"])
	})

	t.Run("Unavailable", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, func(o *testOptions) {
			o.checker = &versionedConverter{availableErr: errors.New("locate pandoc: not found")}
		})
		rec := env.do(http.MethodGet, "/readyz", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "unavailable", body["status"])
		assert.Equal(t, "locate pandoc: not found", body["error"])
	})

	t.Run("NoReadinessSupport", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := env.do(http.MethodGet, "/readyz", "")
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestServer_NotFoundAndMethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Not found", body["error"])
	assert.NotEmpty(t, body["timestamp"])

	rec = env.do(http.MethodGet, "/convert", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", decode(t, rec)["error"])
}

func TestServer_CORS(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.do(http.MethodPost, "/convert", `{"content":"x","fromFormat":"gfm","toFormat":"html"}`)
	rec := env.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docconvert_conversions_total")
}

func newLimitedEnv(t *testing.T, maxRequests int, trustProxy bool) *testEnv {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{MaxRequests: maxRequests, Window: 15 * time.Minute},
		clock.Func(func() time.Time { return fixedNow }))
	return newTestEnv(t, func(o *testOptions) {
		o.limiter = limiter
		o.cfg.Server.TrustProxy = trustProxy
	})
}

func sendFrom(env *testEnv, remote, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	env := newLimitedEnv(t, 2, false)

	for i := 0; i < 2; i++ {
		rec := sendFrom(env, "10.0.0.1:1234", "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
	}

	rec := sendFrom(env, "10.0.0.1:5678", "/health", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Too many requests, please try again later.", body["error"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// The limit applies before any route, including conversions.
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(`{"content":"x","fromFormat":"gfm","toFormat":"html"}`))
	req.RemoteAddr = "10.0.0.1:9999"
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, env.conv.calls)

	// Other clients and the metrics endpoint are unaffected.
	assert.Equal(t, http.StatusOK, sendFrom(env, "10.0.0.2:1234", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, sendFrom(env, "10.0.0.1:1234", "/metrics", nil).Code)
}

func TestServer_RateLimitTrustProxy(t *testing.T) {
	t.Parallel()

	env := newLimitedEnv(t, 1, true)
	proxy := "192.168.0.10:443"

	require.Equal(t, http.StatusOK, sendFrom(env, proxy, "/health", map[string]string{"X-Forwarded-For": "203.0.113.7"}).Code)
	require.Equal(t, http.StatusTooManyRequests, sendFrom(env, proxy, "/health", map[string]string{"X-Forwarded-For": "203.0.113.7"}).Code)
	assert.Equal(t, http.StatusOK, sendFrom(env, proxy, "/health", map[string]string{"X-Forwarded-For": "203.0.113.8"}).Code)
}

func TestServer_RoundTripWithPandoc(t *testing.T) {
	if _, err := exec.LookPath(converter.DefaultBinary); err != nil {
		t.Skip("pandoc not installed")
	}
	t.Parallel()

	env := newTestEnv(t)
	env.server.converter = converter.NewCLI(converter.WithTimeout(30 * time.Second))

	convert := func(content, from, to string) string {
		payload, err := json.Marshal(map[string]string{"content": content, "fromFormat": from, "toFormat": to})
		require.NoError(t, err)
		rec := env.do(http.MethodPost, "/convert", string(payload))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		result, _ := decode(t, rec)["result"].(string)
		require.NotEmpty(t, result)
		return result
	}

	html := convert("# Hello World", "commonmark", "html")
	assert.Contains(t, html, "<h1")
	assert.Contains(t, html, "Hello World")

	markdown := strings.TrimSpace(convert(html, "html", "markdown"))
	assert.Contains(t, markdown, "Hello World")
	assert.True(t, strings.HasPrefix(markdown, "# ") || strings.Contains(markdown, "==="),
		"heading level lost: %q", markdown)
	env.requireClean(t)
}

func activeConversions(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "docconvert_active_conversions" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

// Not parallel: reads a process-wide gauge.
func TestServer_Convert_PanicReleasesActiveGauge(t *testing.T) {
	var during float64
	conv := &fakeConverter{}
	conv.fn = func(context.Context, converter.Request) error {
		during = activeConversions(t)
		panic("converter exploded")
	}
	env := newTestEnv(t, func(o *testOptions) { o.conv = conv })
	before := activeConversions(t)

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodPost, "/convert", `{"content":"x","fromFormat":"gfm","toFormat":"html"}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	}

	assert.Equal(t, before+1, during)
	assert.Equal(t, before, activeConversions(t))
}

func TestServer_Convert_SurvivesClientDisconnect(t *testing.T) {
	t.Parallel()

	var convErr error
	conv := &fakeConverter{}
	conv.fn = func(ctx context.Context, req converter.Request) error {
		convErr = ctx.Err()
		return os.WriteFile(req.OutputPath, []byte("done"), 0o600)
	}
	env := newTestEnv(t, func(o *testOptions) { o.conv = conv })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/convert",
		strings.NewReader(`{"content":"x","fromFormat":"gfm","toFormat":"html"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, convErr)
	assert.Equal(t, "done", decode(t, rec)["result"])
	env.requireClean(t)
}

func TestServer_RateLimitCountsPreflight(t *testing.T) {
	t.Parallel()

	env := newLimitedEnv(t, 1, false)
	req := httptest.NewRequest(http.MethodOptions, "/convert", nil)
	req.RemoteAddr = "10.0.0.6:1000"
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Less(t, rec.Code, 300)
	assert.Equal(t, "1", rec.Header().Get("RateLimit-Limit"))

	assert.Equal(t, http.StatusTooManyRequests, sendFrom(env, "10.0.0.6:2000", "/health", nil).Code)
}
