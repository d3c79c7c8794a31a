package httpclient

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// playback builds a complete *http.Response from a recorded output value and
// fires the caller's httptrace hooks in the order a live request would.
// Content-Encoding and Content-Length are stripped: stored bodies are
// uncompressed and their length may differ from the original wire length.
func playback(req *http.Request, result span.Value) *http.Response {
	fireTraceEvents(req)

	statusCode := intField(result, "statusCode", http.StatusOK)
	statusMsg, _ := result["statusMessage"].(string)
	if statusMsg == "" {
		statusMsg = http.StatusText(statusCode)
	}

	body := decodeRecordedBody(result)

	header := make(http.Header)
	for name, value := range headerField(result) {
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if canonical == "Content-Encoding" || canonical == "Content-Length" {
			continue
		}
		header.Set(canonical, value)
	}

	proto, _ := result["httpVersion"].(string)
	if proto == "" {
		proto = "HTTP/1.1"
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		proto, major, minor = "HTTP/1.1", 1, 1
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", statusCode, statusMsg),
		StatusCode:    statusCode,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// fireTraceEvents replays the connection lifecycle a real transport would
// report: connection setup, TLS when the scheme demands it, request write,
// first response byte.
func fireTraceEvents(req *http.Request) {
	trace := httptrace.ContextClientTrace(req.Context())
	if trace == nil {
		return
	}

	hostPort := req.URL.Host
	if req.URL.Port() == "" {
		hostPort = net.JoinHostPort(req.URL.Hostname(), defaultPort(req.URL.Scheme))
	}

	if trace.GetConn != nil {
		trace.GetConn(hostPort)
	}

	conn := newFakeConn(hostPort)
	if trace.ConnectStart != nil {
		trace.ConnectStart("tcp", hostPort)
	}
	if trace.ConnectDone != nil {
		trace.ConnectDone("tcp", hostPort, nil)
	}
	if req.URL.Scheme == "https" {
		if trace.TLSHandshakeStart != nil {
			trace.TLSHandshakeStart()
		}
		if trace.TLSHandshakeDone != nil {
			trace.TLSHandshakeDone(tls.ConnectionState{
				Version:           tls.VersionTLS13,
				HandshakeComplete: true,
				ServerName:        req.URL.Hostname(),
			}, nil)
		}
	}
	if trace.GotConn != nil {
		trace.GotConn(httptrace.GotConnInfo{Conn: conn})
	}
	if trace.WroteHeaders != nil {
		trace.WroteHeaders()
	}
	if trace.WroteRequest != nil {
		trace.WroteRequest(httptrace.WroteRequestInfo{})
	}
	if trace.GotFirstResponseByte != nil {
		trace.GotFirstResponseByte()
	}
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// fakeConn satisfies the net.Conn surface libraries inspect on a connection
// without any socket behind it.
type fakeConn struct {
	local  net.Addr
	remote net.Addr
}

func newFakeConn(hostPort string) *fakeConn {
	port := 80
	if _, p, err := net.SplitHostPort(hostPort); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return &fakeConn{
		local:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	}
}

func (c *fakeConn) Read([]byte) (int, error)       { return 0, io.EOF }
func (c *fakeConn) Write(b []byte) (int, error)    { return len(b), nil }
func (c *fakeConn) Close() error                   { return nil }
func (c *fakeConn) LocalAddr() net.Addr            { return c.local }
func (c *fakeConn) RemoteAddr() net.Addr           { return c.remote }
func (c *fakeConn) SetDeadline(time.Time) error    { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// decodeRecordedBody handles both base64-stored and plain recorded bodies.
func decodeRecordedBody(result span.Value) []byte {
	raw, _ := result["body"].(string)
	if raw == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return decoded
	}
	return []byte(raw)
}

// intField tolerates the numeric widening recorded values pick up from
// JSON/YAML round-trips.
func intField(v span.Value, key string, fallback int) int {
	switch n := v[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

// headerField tolerates both live map[string]string headers and reloaded
// map[string]interface{} forms.
func headerField(v span.Value) map[string]string {
	switch h := v["headers"].(type) {
	case map[string]string:
		return h
	case map[string]interface{}:
		out := make(map[string]string, len(h))
		for name, val := range h {
			out[name] = strings.TrimSpace(fmt.Sprint(val))
		}
		return out
	}
	return nil
}
