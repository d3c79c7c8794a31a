package httpclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/drift"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/export"
	"github.com/nmxmxh/tuskdrift/pkg/logger"
	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/schema"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// deadTransport fails the test if the network path is ever reached.
type deadTransport struct{ t *testing.T }

func (d deadTransport) RoundTrip(*http.Request) (*http.Response, error) {
	d.t.Fatal("replay touched the network")
	return nil, nil
}

// cannedTransport serves a fixed response, counting calls.
type cannedTransport struct {
	status int
	body   string
	header http.Header
	calls  int
	err    error
}

func (c *cannedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	h := c.header
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: c.status,
		Status:     http.StatusText(c.status),
		Proto:      "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
		Header:  h,
		Body:    io.NopCloser(bytes.NewReader([]byte(c.body))),
		Request: req,
	}, nil
}

type countingOracle struct {
	inner oracle.Client
	calls int
}

func (c *countingOracle) FindMockResponse(ctx context.Context, req oracle.Request) (*oracle.Response, bool) {
	c.calls++
	return c.inner.FindMockResponse(ctx, req)
}

func newSDK(t *testing.T, mode contextx.Mode, orc oracle.Client, exp *export.Memory) *drift.SDK {
	t.Helper()
	cfg := drift.Config{Mode: mode, Logger: logger.NewNop(), Oracle: orc}
	if exp != nil {
		cfg.Exporters = []span.Exporter{exp}
	}
	s, err := drift.New(cfg)
	require.NoError(t, err)
	s.MarkAppAsReady()
	return s
}

func loginRecording() span.Data {
	input := span.Value{
		"method":   "POST",
		"hostname": "api.example.com",
		"path":     "/api/auth/login",
		"protocol": "https",
		"headers":  map[string]string{"content-type": "application/json"},
		"bodySize": 34,
		"body":     b64(`{"email":"u@e.com","password":"p"}`),
	}
	return span.Data{
		SpanID:      "rec-1",
		TraceID:     "T",
		Kind:        span.KindClient,
		PackageType: span.PackageHTTP,
		Name:        "/api/auth/login",
		Submodule:   "POST",
		Input:       input,
		InputMerges: schema.Merges{
			"headers":  schema.Ignore(),
			"bodySize": schema.Ignore(),
			"body":     schema.Base64("application/json"),
		},
		Output: span.Value{
			"statusCode":    200,
			"statusMessage": "OK",
			"headers":       map[string]string{"content-type": "application/json"},
			"httpVersion":   "HTTP/1.1",
			"body":          b64(`{"token":"T"}`),
		},
		Status: span.StatusOK,
	}
}

func replayRequest(trace string, method, rawURL, body string) *http.Request {
	ctx := contextx.WithInboundTrace(context.Background(), trace)
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	}
	req, _ := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// Scenario: a recorded login replays byte for byte with zero sockets opened.
func TestReplayHit(t *testing.T) {
	store := oracle.NewStore(nil)
	store.Load([]span.Data{loginRecording()})
	exp := export.NewMemory()
	sdk := newSDK(t, contextx.ModeReplay, store, exp)

	rt := WrapRoundTripper(deadTransport{t}, WithSDK(sdk))
	req := replayRequest("T", "POST", "https://api.example.com/api/auth/login", `{"email":"u@e.com","password":"p"}`)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"token":"T"}`, string(body))

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "/api/auth/login", spans[0].Name)
	assert.Equal(t, span.KindClient, spans[0].Kind)
	assert.Equal(t, span.StatusOK, spans[0].Status)
	assert.Equal(t, 200, spans[0].Output["statusCode"])
}

// Scenario: an unrecorded path surfaces a library-shaped error, not a crash.
func TestReplayMiss(t *testing.T) {
	exp := export.NewMemory()
	sdk := newSDK(t, contextx.ModeReplay, oracle.NewStore(nil), exp)

	rt := WrapRoundTripper(deadTransport{t}, WithSDK(sdk))
	req := replayRequest("T", "GET", "https://api.example.com/unknown", "")

	resp, err := rt.RoundTrip(req)
	assert.Nil(t, resp)
	require.Error(t, err)

	var uerr *url.Error
	require.True(t, errors.As(err, &uerr))
	assert.True(t, errors.Is(err, errdefs.ErrNoMockFound))

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, span.StatusError, spans[0].Status)
}

// Scenario: background replay returns empty success with no oracle lookup.
func TestReplayBackground(t *testing.T) {
	counting := &countingOracle{inner: oracle.NewStore(nil)}
	sdk := newSDK(t, contextx.ModeReplay, counting, nil)

	rt := WrapRoundTripper(deadTransport{t}, WithSDK(sdk))
	req, _ := http.NewRequest("GET", "https://telemetry.example.com/ping", nil)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
	assert.Zero(t, counting.calls)
}

func TestReplayReifiedError(t *testing.T) {
	rec := loginRecording()
	rec.Output = span.Value{"errorName": "Error", "errorMessage": "connect ECONNREFUSED"}
	rec.Status = span.StatusError
	store := oracle.NewStore(nil)
	store.Load([]span.Data{rec})
	sdk := newSDK(t, contextx.ModeReplay, store, nil)

	rt := WrapRoundTripper(deadTransport{t}, WithSDK(sdk))
	req := replayRequest("T", "POST", "https://api.example.com/api/auth/login", `{"email":"u@e.com","password":"p"}`)

	_, err := rt.RoundTrip(req)
	require.Error(t, err)
	var reified *errdefs.Reified
	require.True(t, errors.As(err, &reified))
	assert.Equal(t, "connect ECONNREFUSED", reified.Message)
}

func TestReplayStripsContentEncoding(t *testing.T) {
	rec := loginRecording()
	rec.Output["headers"] = map[string]string{
		"content-encoding": "gzip",
		"content-length":   "999",
		"content-type":     "application/json",
	}
	store := oracle.NewStore(nil)
	store.Load([]span.Data{rec})
	sdk := newSDK(t, contextx.ModeReplay, store, nil)

	rt := WrapRoundTripper(deadTransport{t}, WithSDK(sdk))
	req := replayRequest("T", "POST", "https://api.example.com/api/auth/login", `{"email":"u@e.com","password":"p"}`)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestReplayFiresClientTrace(t *testing.T) {
	store := oracle.NewStore(nil)
	store.Load([]span.Data{loginRecording()})
	sdk := newSDK(t, contextx.ModeReplay, store, nil)
	rt := WrapRoundTripper(deadTransport{t}, WithSDK(sdk))

	var events []string
	ctx := contextx.WithInboundTrace(context.Background(), "T")
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GetConn:              func(string) { events = append(events, "getconn") },
		ConnectStart:         func(string, string) { events = append(events, "connectstart") },
		ConnectDone:          func(string, string, error) { events = append(events, "connectdone") },
		GotConn:              func(httptrace.GotConnInfo) { events = append(events, "gotconn") },
		WroteRequest:         func(httptrace.WroteRequestInfo) { events = append(events, "wroterequest") },
		GotFirstResponseByte: func() { events = append(events, "firstbyte") },
	})
	req, _ := http.NewRequestWithContext(ctx, "POST", "https://api.example.com/api/auth/login",
		bytes.NewReader([]byte(`{"email":"u@e.com","password":"p"}`)))
	req.Header.Set("Content-Type", "application/json")

	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"getconn", "connectstart", "connectdone", "gotconn", "wroterequest", "firstbyte"},
		events)
}

func TestRecordCapturesExchange(t *testing.T) {
	exp := export.NewMemory()
	sdk := newSDK(t, contextx.ModeRecord, nil, exp)

	inner := &cannedTransport{
		status: 200,
		body:   `{"token":"T"}`,
		header: http.Header{"Content-Type": []string{"application/json"}},
	}
	rt := WrapRoundTripper(inner, WithSDK(sdk))
	req := replayRequest("T", "POST", "https://api.example.com/api/auth/login", `{"email":"u@e.com","password":"p"}`)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	// the host still reads the full body after capture
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"token":"T"}`, string(body))

	spans := exp.Spans()
	require.Len(t, spans, 1)
	d := spans[0]
	assert.Equal(t, "T", d.TraceID)
	assert.Equal(t, "POST", d.Input["method"])
	assert.Equal(t, "api.example.com", d.Input["hostname"])
	assert.Equal(t, b64(`{"email":"u@e.com","password":"p"}`), d.Input["body"])
	assert.Equal(t, 200, d.Output["statusCode"])
	assert.Equal(t, b64(`{"token":"T"}`), d.Output["body"])
	assert.Equal(t, "application/json", d.InputMerges["body"].DecodedType)
}

func TestRecordReRaisesOriginalError(t *testing.T) {
	exp := export.NewMemory()
	sdk := newSDK(t, contextx.ModeRecord, nil, exp)

	wantErr := errors.New("dial tcp: connection refused")
	rt := WrapRoundTripper(&cannedTransport{err: wantErr}, WithSDK(sdk))
	req := replayRequest("T", "GET", "https://api.example.com/down", "")

	_, err := rt.RoundTrip(req)
	assert.ErrorIs(t, err, wantErr)

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, span.StatusError, spans[0].Status)
	assert.Equal(t, wantErr.Error(), spans[0].Output["errorMessage"])
}

func TestDisabledPassesThrough(t *testing.T) {
	sdk := newSDK(t, contextx.ModeDisabled, nil, nil)
	inner := &cannedTransport{status: 204}
	rt := WrapRoundTripper(inner, WithSDK(sdk))

	req := replayRequest("T", "GET", "https://api.example.com/x", "")
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, 1, inner.calls)
}

func TestWrapIsIdempotent(t *testing.T) {
	inner := &cannedTransport{status: 200}
	once := WrapRoundTripper(inner)
	twice := WrapRoundTripper(once)
	assert.Same(t, once, twice)
}

func TestRecordEndToEndReplay(t *testing.T) {
	// record an exchange, reload it into a fresh oracle, replay it
	exp := export.NewMemory()
	recSDK := newSDK(t, contextx.ModeRecord, nil, exp)
	inner := &cannedTransport{
		status: 200,
		body:   `{"token":"T"}`,
		header: http.Header{"Content-Type": []string{"application/json"}},
	}
	rt := WrapRoundTripper(inner, WithSDK(recSDK))
	req := replayRequest("T", "POST", "https://api.example.com/api/auth/login", `{"email":"u@e.com","password":"p"}`)
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)

	store := oracle.NewStore(nil)
	store.Load(exp.Spans())
	replaySDK := newSDK(t, contextx.ModeReplay, store, nil)
	rt2 := WrapRoundTripper(deadTransport{t}, WithSDK(replaySDK))

	req2 := replayRequest("T", "POST", "https://api.example.com/api/auth/login", `{"email":"u@e.com","password":"p"}`)
	resp, err := rt2.RoundTrip(req2)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"token":"T"}`, string(body))
}
