// Package sqldriver intercepts database/sql traffic by wrapping the driver.
// Recording drains result sets into the span and hands the host an in-memory
// cursor; replay streams recorded rows statement by statement without a
// connection.
package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"

	"github.com/lib/pq"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/drift"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/registry"
	"github.com/nmxmxh/tuskdrift/pkg/span"
	"github.com/nmxmxh/tuskdrift/pkg/wrap"
)

const instrumentationName = "database/sql"

func init() {
	_ = registry.Default.Register(registry.Instrumentation{
		Name:    "sql-driver",
		Package: instrumentationName,
		Patches: []registry.Patch{{
			Install: func(target interface{}, _ string) (interface{}, error) {
				if d, ok := target.(driver.Driver); ok {
					return Wrap(d), nil
				}
				return target, nil
			},
		}},
	})
}

// Option configures the wrapped driver.
type Option func(*config)

// WithSDK pins the driver to a specific SDK.
func WithSDK(s *drift.SDK) Option {
	return func(c *config) { c.sdk = s }
}

type config struct {
	sdk *drift.SDK
}

func (c *config) active() *drift.SDK {
	if c.sdk != nil {
		return c.sdk
	}
	return drift.Default()
}

// Wrap wraps a database driver for record/replay. Wrapping twice returns the
// existing wrapper.
func Wrap(d driver.Driver, opts ...Option) driver.Driver {
	return wrap.Once(d, func(inner driver.Driver) driver.Driver {
		cfg := &config{}
		for _, opt := range opts {
			opt(cfg)
		}
		return &wrappedDriver{inner: inner, cfg: cfg}
	})
}

// Register registers a wrapped driver under name for sql.Open.
func Register(name string, d driver.Driver, opts ...Option) {
	sql.Register(name, Wrap(d, opts...))
}

var registerPostgresOnce sync.Once

// RegisterPostgres registers the wrapped lib/pq driver as "drift-postgres".
func RegisterPostgres(opts ...Option) {
	registerPostgresOnce.Do(func() {
		Register("drift-postgres", &pq.Driver{}, opts...)
	})
}

type wrappedDriver struct {
	inner driver.Driver
	cfg   *config
}

// Unwrap returns the driver this wrapper replaced.
func (d *wrappedDriver) Unwrap() interface{} { return d.inner }

// Open dials the real database except in replay mode, where connections are
// synthetic: connect resolves immediately and queries resolve from the
// recording.
func (d *wrappedDriver) Open(name string) (driver.Conn, error) {
	if d.cfg.active().Mode() == contextx.ModeReplay {
		return &replayConn{cfg: d.cfg}, nil
	}
	inner, err := d.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{inner: inner, cfg: d.cfg}, nil
}

// conn wraps a live connection for the RECORD and DISABLED paths.
type conn struct {
	inner driver.Conn
	cfg   *config
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	inner, err := c.inner.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &stmt{inner: inner, conn: c, query: query}, nil
}

func (c *conn) Close() error { return c.inner.Close() }

func (c *conn) Begin() (driver.Tx, error) {
	return c.inner.Begin() //nolint:staticcheck // driver.Conn contract
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.inner.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.inner.Begin() //nolint:staticcheck // fallback for old drivers
}

func (c *conn) Ping(ctx context.Context) error {
	if p, ok := c.inner.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return gateQuery(ctx, c.cfg, query, args, func(ctx context.Context) (driver.Rows, error) {
		return c.queryInner(ctx, query, args)
	})
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return gateExec(ctx, c.cfg, query, args, func(ctx context.Context) (driver.Result, error) {
		return c.execInner(ctx, query, args)
	})
}

func (c *conn) queryInner(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if q, ok := c.inner.(driver.QueryerContext); ok {
		return q.QueryContext(ctx, query, args)
	}
	st, err := c.inner.Prepare(query)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if sq, ok := st.(driver.StmtQueryContext); ok {
		return sq.QueryContext(ctx, args)
	}
	return st.Query(namedToValues(args)) //nolint:staticcheck // fallback for old drivers
}

func (c *conn) execInner(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if e, ok := c.inner.(driver.ExecerContext); ok {
		return e.ExecContext(ctx, query, args)
	}
	st, err := c.inner.Prepare(query)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if se, ok := st.(driver.StmtExecContext); ok {
		return se.ExecContext(ctx, args)
	}
	return st.Exec(namedToValues(args)) //nolint:staticcheck // fallback for old drivers
}

// stmt routes prepared-statement execution through the same gates as direct
// queries, keyed by the statement's SQL.
type stmt struct {
	inner driver.Stmt
	conn  *conn
	query string
}

func (s *stmt) Close() error  { return s.inner.Close() }
func (s *stmt) NumInput() int { return s.inner.NumInput() }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valuesToNamed(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valuesToNamed(args))
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return gateQuery(ctx, s.conn.cfg, s.query, args, func(ctx context.Context) (driver.Rows, error) {
		if sq, ok := s.inner.(driver.StmtQueryContext); ok {
			return sq.QueryContext(ctx, args)
		}
		return s.inner.Query(namedToValues(args)) //nolint:staticcheck // fallback for old drivers
	})
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return gateExec(ctx, s.conn.cfg, s.query, args, func(ctx context.Context) (driver.Result, error) {
		if se, ok := s.inner.(driver.StmtExecContext); ok {
			return se.ExecContext(ctx, args)
		}
		return s.inner.Exec(namedToValues(args)) //nolint:staticcheck // fallback for old drivers
	})
}

// gateQuery routes one query through the mode gate.
func gateQuery(ctx context.Context, cfg *config, query string, args []driver.NamedValue, original func(context.Context) (driver.Rows, error)) (driver.Rows, error) {
	sdk := cfg.active()
	input := queryInput(query, args)

	return drift.Gate(ctx, sdk, drift.Handlers[driver.Rows]{
		Descriptor:    queryDescriptor(query, "query", input),
		ServerEntered: true,
		Original: func(ctx context.Context) (driver.Rows, error) {
			return original(ctx)
		},
		Record: func(ctx context.Context, sp *span.Span) (driver.Rows, error) {
			return recordQuery(ctx, sdk, sp, original, input)
		},
		Replay: func(ctx context.Context, sp *span.Span) (driver.Rows, error) {
			return replayQuery(ctx, sdk, sp, query, input)
		},
		NoOp: func(context.Context) (driver.Rows, error) {
			// background replay: empty row set
			return &replayRows{sets: []resultSet{{}}}, nil
		},
	})
}

// gateExec routes one exec through the mode gate.
func gateExec(ctx context.Context, cfg *config, query string, args []driver.NamedValue, original func(context.Context) (driver.Result, error)) (driver.Result, error) {
	sdk := cfg.active()
	input := queryInput(query, args)

	return drift.Gate(ctx, sdk, drift.Handlers[driver.Result]{
		Descriptor:    queryDescriptor(query, "exec", input),
		ServerEntered: true,
		Original: func(ctx context.Context) (driver.Result, error) {
			return original(ctx)
		},
		Record: func(ctx context.Context, sp *span.Span) (driver.Result, error) {
			return recordExec(ctx, sdk, sp, original)
		},
		Replay: func(ctx context.Context, sp *span.Span) (driver.Result, error) {
			return replayExec(ctx, sdk, sp, query, input)
		},
		NoOp: func(context.Context) (driver.Result, error) {
			return driver.RowsAffected(0), nil
		},
	})
}

func queryDescriptor(query, submodule string, input span.Value) span.Descriptor {
	return span.Descriptor{
		Name:            query,
		Submodule:       submodule,
		PackageType:     span.PackageMySQL,
		Instrumentation: instrumentationName,
		Kind:            span.KindClient,
		Input:           input,
	}
}

func queryInput(query string, args []driver.NamedValue) span.Value {
	input := span.Value{"sql": query}
	if len(args) > 0 {
		values := make([]interface{}, 0, len(args))
		for _, arg := range args {
			values = append(values, encodeCell(arg.Value))
		}
		input["values"] = values
	}
	return input
}

func recordExec(ctx context.Context, sdk *drift.SDK, sp *span.Span, original func(context.Context) (driver.Result, error)) (driver.Result, error) {
	rec := sdk.Recorder()
	res, err := original(ctx)
	if err != nil {
		rec.SetOutput(sp, span.Value(errdefs.Record(err)))
		return nil, err
	}

	output := span.Value{}
	if n, err := res.RowsAffected(); err == nil {
		output["rowsAffected"] = n
	}
	if id, err := res.LastInsertId(); err == nil {
		output["lastInsertId"] = id
	}
	rec.SetOutput(sp, output)
	return res, nil
}

func replayExec(ctx context.Context, sdk *drift.SDK, sp *span.Span, query string, input span.Value) (driver.Result, error) {
	result, err := lookup(ctx, sdk, sp, query, "exec", input)
	if err != nil {
		return nil, err
	}
	return &replayResult{
		rowsAffected: int64Field(result, "rowsAffected"),
		lastInsertID: int64Field(result, "lastInsertId"),
	}, nil
}

type replayResult struct {
	rowsAffected int64
	lastInsertID int64
}

func (r *replayResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r *replayResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

func namedToValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}
