package httpclient

import (
	"context"
	"net/http"
	"net/url"

	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/schema"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// replay resolves the request against the oracle and synthesizes the
// library-shaped result. The network is never touched on this path.
func (t *Transport) replay(ctx context.Context, sp *span.Span, req *http.Request, input span.Value, merges schema.Merges) (*http.Response, error) {
	sdk := t.active()

	// a host-side abort surfaces exactly as a live transport would report it
	if err := req.Context().Err(); err != nil {
		cancelErr := &url.Error{Op: req.Method, URL: req.URL.String(), Err: err}
		sdk.Recorder().SetOutput(sp, span.Value(errdefs.Record(cancelErr)))
		return nil, cancelErr
	}

	resp, ok := sdk.Oracle().FindMockResponse(ctx, oracle.Request{
		TraceID:             sp.TraceID(),
		SpanID:              sp.SpanID(),
		Name:                req.URL.Path,
		SubmoduleName:       req.Method,
		PackageName:         string(span.PackageHTTP),
		InstrumentationName: instrumentationName,
		InputValue:          input,
		Kind:                span.KindClient,
		SchemaMerges:        merges,
	})
	if !ok {
		err := &url.Error{Op: req.Method, URL: req.URL.String(), Err: errdefs.ErrNoMockFound}
		sdk.Recorder().SetOutput(sp, span.Value(errdefs.Record(err)))
		return nil, err
	}

	if reified := errdefs.Reify(resp.Result); reified != nil {
		sdk.Recorder().SetOutput(sp, resp.Result)
		return nil, &url.Error{Op: req.Method, URL: req.URL.String(), Err: reified}
	}

	sdk.Recorder().SetOutput(sp, resp.Result)
	return playback(req, resp.Result), nil
}
