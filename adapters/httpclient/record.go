package httpclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"strings"

	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/schema"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// record dispatches to the real transport and captures the exchange. Errors
// from the backend are recorded, then re-raised unchanged.
func (t *Transport) record(_ context.Context, sp *span.Span, req *http.Request) (*http.Response, error) {
	rec := t.active().Recorder()

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		rec.SetOutput(sp, span.Value(errdefs.Record(err)))
		return nil, err
	}

	respBody, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		rec.SetOutput(sp, span.Value(errdefs.Record(err)))
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	output := span.Value{
		"statusCode":       resp.StatusCode,
		"statusMessage":    statusMessage(resp),
		"headers":          flattenHeader(resp.Header),
		"httpVersion":      resp.Proto,
		"httpVersionMajor": resp.ProtoMajor,
		"httpVersionMinor": resp.ProtoMinor,
		"bodySize":         len(respBody),
	}
	if len(respBody) > 0 {
		output["body"] = base64.StdEncoding.EncodeToString(respBody)
	}
	rec.SetOutput(sp, output)
	return resp, nil
}

func statusMessage(resp *http.Response) string {
	// "200 OK" -> "OK"
	if idx := strings.IndexByte(resp.Status, ' '); idx >= 0 {
		return resp.Status[idx+1:]
	}
	return http.StatusText(resp.StatusCode)
}

// readBody consumes and restores the request body so the real transport (or
// the fingerprint) can still use it.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if err := req.Body.Close(); err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// requestInput shapes the outbound request into the span's input value.
// Headers are annotated out of matching; bodies carry their decoded media
// type so the oracle can compare JSON structurally.
func requestInput(req *http.Request, body []byte) (span.Value, schema.Merges) {
	input := span.Value{
		"method":   req.Method,
		"hostname": req.URL.Hostname(),
		"path":     req.URL.RequestURI(),
		"protocol": req.URL.Scheme,
		"headers":  flattenHeader(req.Header),
		"bodySize": len(body),
	}
	if port := req.URL.Port(); port != "" {
		input["port"] = port
	}

	merges := schema.Merges{
		"headers":  schema.Ignore(),
		"bodySize": schema.Ignore(),
	}
	if len(body) > 0 {
		input["body"] = base64.StdEncoding.EncodeToString(body)
		merges["body"] = schema.Base64(decodedType(req.Header.Get("Content-Type")))
	}
	return input, merges
}

func decodedType(contentType string) string {
	if contentType == "" {
		return "text/plain"
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "text/plain"
	}
	return mediaType
}

// flattenHeader lowercases names and joins array values, matching the wire
// form recordings are stored in.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
