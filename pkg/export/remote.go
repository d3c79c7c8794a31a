package export

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nmxmxh/tuskdrift/pkg/json"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// Remote buffers ended spans and ships them to a collection endpoint in
// batches. Failed batches retry with exponential backoff. The export that
// fills a batch ships it synchronously, on the caller's goroutine.
type Remote struct {
	endpoint  string
	apiKey    string
	client    *http.Client
	log       *zap.Logger
	batchSize int

	mu  sync.Mutex
	buf []span.Data
}

// RemoteOption configures a Remote exporter.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client used for shipping.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// WithBatchSize sets how many spans trigger an automatic ship.
func WithBatchSize(n int) RemoteOption {
	return func(r *Remote) { r.batchSize = n }
}

// NewRemote builds a remote exporter.
func NewRemote(endpoint, apiKey string, log *zap.Logger, opts ...RemoteOption) *Remote {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Remote{
		endpoint:  endpoint,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log.With(zap.String("module", "export")),
		batchSize: 64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) ExportSpan(d span.Data) error {
	r.mu.Lock()
	r.buf = append(r.buf, d)
	full := len(r.buf) >= r.batchSize
	r.mu.Unlock()

	if full {
		return r.Flush(context.Background())
	}
	return nil
}

// Flush ships everything buffered. Shipping retries with exponential backoff
// before giving the batch back to the buffer.
func (r *Remote) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	payload := json.MustMarshal(map[string]interface{}{"spans": batch})

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return r.ship(ctx, payload)
	}, policy)
	if err != nil {
		r.mu.Lock()
		r.buf = append(batch, r.buf...)
		r.mu.Unlock()
		r.log.Error("span batch not shipped", zap.Int("spans", len(batch)), zap.Error(err))
		return err
	}
	return nil
}

func (r *Remote) ship(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("collector rejected batch: %d", resp.StatusCode))
	}
	return nil
}
