package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tuskdrift/pkg/contextx"
	"github.com/nmxmxh/tuskdrift/pkg/drift"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/export"
	"github.com/nmxmxh/tuskdrift/pkg/logger"
	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

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

func inRequest() context.Context {
	return contextx.WithInboundTrace(context.Background(), "T")
}

// fakeDriver serves canned result sets through the full driver surface.
type fakeDriver struct {
	sets []resultSet
	err  error
}

func (d *fakeDriver) Open(string) (driver.Conn, error) {
	return &fakeConn{d: d}, nil
}

type fakeConn struct{ d *fakeDriver }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return nil, errors.New("unused") }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)                 { return nil, errors.New("unused") }

func (c *fakeConn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	if c.d.err != nil {
		return nil, c.d.err
	}
	return &fakeRows{sets: c.d.sets}, nil
}

func (c *fakeConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	if c.d.err != nil {
		return nil, c.d.err
	}
	return fakeResult{}, nil
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 7, nil }
func (fakeResult) RowsAffected() (int64, error) { return 3, nil }

type fakeRows struct {
	sets []resultSet
	set  int
	row  int
}

func (r *fakeRows) Columns() []string { return r.sets[r.set].columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.row >= len(r.sets[r.set].rows) {
		return io.EOF
	}
	copy(dest, r.sets[r.set].rows[r.row])
	r.row++
	return nil
}

func (r *fakeRows) HasNextResultSet() bool { return r.set+1 < len(r.sets) }

func (r *fakeRows) NextResultSet() error {
	if !r.HasNextResultSet() {
		return io.EOF
	}
	r.set++
	r.row = 0
	return nil
}

func multiStatementSets() []resultSet {
	return []resultSet{
		{
			columns: []string{"id", "name"},
			rows: [][]driver.Value{
				{int64(1), "Ada"},
				{int64(2), "Grace"},
			},
		},
		{
			columns: []string{"count"},
			rows: [][]driver.Value{
				{int64(2)},
			},
		},
	}
}

// Record a multi-statement query, then replay it and check the event order:
// columns of statement 0, its rows, columns of statement 1, its rows, EOF.
func TestMultiStatementRecordReplayOrdering(t *testing.T) {
	exp := export.NewMemory()
	recSDK := newSDK(t, contextx.ModeRecord, nil, exp)

	recDriver := Wrap(&fakeDriver{sets: multiStatementSets()}, WithSDK(recSDK))
	conn, err := recDriver.Open("dsn")
	require.NoError(t, err)

	rows, err := conn.(driver.QueryerContext).QueryContext(inRequest(), "SELECT * FROM users; SELECT COUNT(*) FROM users", nil)
	require.NoError(t, err)

	// the host sees the full data despite the drain
	assert.Equal(t, []string{"id", "name"}, rows.Columns())
	dest := make([]driver.Value, 2)
	require.NoError(t, rows.Next(dest))
	assert.Equal(t, int64(1), dest[0])
	assert.Equal(t, "Ada", dest[1])

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, 2, spans[0].Output["queryCount"])

	// replay from the recording
	store := oracle.NewStore(nil)
	store.Load(spans)
	repSDK := newSDK(t, contextx.ModeReplay, store, nil)
	repDriver := Wrap(&fakeDriver{}, WithSDK(repSDK))
	rconn, err := repDriver.Open("dsn")
	require.NoError(t, err)

	rrows, err := rconn.(driver.QueryerContext).QueryContext(inRequest(), "SELECT * FROM users; SELECT COUNT(*) FROM users", nil)
	require.NoError(t, err)

	// statement 0
	assert.Equal(t, []string{"id", "name"}, rrows.Columns())
	dest = make([]driver.Value, 2)
	require.NoError(t, rrows.Next(dest))
	assert.Equal(t, int64(1), dest[0])
	require.NoError(t, rrows.Next(dest))
	assert.Equal(t, int64(2), dest[0])
	assert.Equal(t, io.EOF, rrows.Next(dest))

	// statement 1
	nrs := rrows.(driver.RowsNextResultSet)
	require.True(t, nrs.HasNextResultSet())
	require.NoError(t, nrs.NextResultSet())
	assert.Equal(t, []string{"count"}, rrows.Columns())
	dest = make([]driver.Value, 1)
	require.NoError(t, rrows.Next(dest))
	assert.Equal(t, int64(2), dest[0])
	assert.Equal(t, io.EOF, rrows.Next(dest))

	// end
	assert.False(t, nrs.HasNextResultSet())
}

func TestReplayThroughDatabaseSQL(t *testing.T) {
	// record through the raw driver, replay through database/sql
	exp := export.NewMemory()
	recSDK := newSDK(t, contextx.ModeRecord, nil, exp)
	recDriver := Wrap(&fakeDriver{sets: multiStatementSets()[:1]}, WithSDK(recSDK))
	conn, err := recDriver.Open("dsn")
	require.NoError(t, err)
	_, err = conn.(driver.QueryerContext).QueryContext(inRequest(), "SELECT * FROM users", nil)
	require.NoError(t, err)

	store := oracle.NewStore(nil)
	store.Load(exp.Spans())
	repSDK := newSDK(t, contextx.ModeReplay, store, nil)

	sql.Register("drift-test-replay", Wrap(&fakeDriver{}, WithSDK(repSDK)))
	db, err := sql.Open("drift-test-replay", "ignored-dsn")
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.QueryContext(inRequest(), "SELECT * FROM users")
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		got = append(got, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"Ada", "Grace"}, got)
}

func TestReplayMiss(t *testing.T) {
	exp := export.NewMemory()
	sdk := newSDK(t, contextx.ModeReplay, oracle.NewStore(nil), exp)
	d := Wrap(&fakeDriver{}, WithSDK(sdk))
	conn, err := d.Open("dsn")
	require.NoError(t, err)

	_, err = conn.(driver.QueryerContext).QueryContext(inRequest(), "SELECT * FROM nowhere", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNoMockFound))

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, span.StatusError, spans[0].Status)
}

func TestReplayBackgroundEmptyRows(t *testing.T) {
	sdk := newSDK(t, contextx.ModeReplay, oracle.NewStore(nil), nil)
	d := Wrap(&fakeDriver{}, WithSDK(sdk))
	conn, err := d.Open("dsn")
	require.NoError(t, err)

	rows, err := conn.(driver.QueryerContext).QueryContext(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	dest := make([]driver.Value, 0)
	assert.Equal(t, io.EOF, rows.Next(dest))
}

func TestExecRecordReplay(t *testing.T) {
	exp := export.NewMemory()
	recSDK := newSDK(t, contextx.ModeRecord, nil, exp)
	d := Wrap(&fakeDriver{}, WithSDK(recSDK))
	conn, err := d.Open("dsn")
	require.NoError(t, err)

	res, err := conn.(driver.ExecerContext).ExecContext(inRequest(), "UPDATE users SET active = $1", []driver.NamedValue{{Ordinal: 1, Value: true}})
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.Equal(t, int64(3), n)

	store := oracle.NewStore(nil)
	store.Load(exp.Spans())
	repSDK := newSDK(t, contextx.ModeReplay, store, nil)
	rd := Wrap(&fakeDriver{}, WithSDK(repSDK))
	rconn, err := rd.Open("dsn")
	require.NoError(t, err)

	rres, err := rconn.(driver.ExecerContext).ExecContext(inRequest(), "UPDATE users SET active = $1", []driver.NamedValue{{Ordinal: 1, Value: true}})
	require.NoError(t, err)
	rn, _ := rres.RowsAffected()
	assert.Equal(t, int64(3), rn)
	id, _ := rres.LastInsertId()
	assert.Equal(t, int64(7), id)
}

func TestRecordReRaisesQueryError(t *testing.T) {
	exp := export.NewMemory()
	sdk := newSDK(t, contextx.ModeRecord, nil, exp)
	wantErr := errors.New(`pq: relation "ghosts" does not exist`)
	d := Wrap(&fakeDriver{err: wantErr}, WithSDK(sdk))
	conn, err := d.Open("dsn")
	require.NoError(t, err)

	_, err = conn.(driver.QueryerContext).QueryContext(inRequest(), "SELECT * FROM ghosts", nil)
	assert.ErrorIs(t, err, wantErr)

	spans := exp.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, span.StatusError, spans[0].Status)
	assert.Equal(t, wantErr.Error(), spans[0].Output["errorMessage"])
}

func TestBinaryCellRoundTrip(t *testing.T) {
	blob := []byte{0x00, 0xFF, 0x10, 0x80}
	sets := []resultSet{{
		columns: []string{"payload"},
		rows:    [][]driver.Value{{blob}},
	}}

	exp := export.NewMemory()
	recSDK := newSDK(t, contextx.ModeRecord, nil, exp)
	d := Wrap(&fakeDriver{sets: sets}, WithSDK(recSDK))
	conn, err := d.Open("dsn")
	require.NoError(t, err)
	_, err = conn.(driver.QueryerContext).QueryContext(inRequest(), "SELECT payload FROM blobs", nil)
	require.NoError(t, err)

	store := oracle.NewStore(nil)
	store.Load(exp.Spans())
	repSDK := newSDK(t, contextx.ModeReplay, store, nil)
	rd := Wrap(&fakeDriver{}, WithSDK(repSDK))
	rconn, err := rd.Open("dsn")
	require.NoError(t, err)

	rows, err := rconn.(driver.QueryerContext).QueryContext(inRequest(), "SELECT payload FROM blobs", nil)
	require.NoError(t, err)
	dest := make([]driver.Value, 1)
	require.NoError(t, rows.Next(dest))
	assert.Equal(t, blob, dest[0])
}

func TestWrapIsIdempotent(t *testing.T) {
	base := &fakeDriver{}
	once := Wrap(base)
	twice := Wrap(once)
	assert.Same(t, once, twice)
}

func TestReplayConnNeverDials(t *testing.T) {
	sdk := newSDK(t, contextx.ModeReplay, oracle.NewStore(nil), nil)
	// the inner driver would panic if opened
	d := Wrap(panicDriver{}, WithSDK(sdk))
	conn, err := d.Open("dsn")
	require.NoError(t, err)
	assert.NoError(t, conn.(driver.Pinger).Ping(context.Background()))
}

type panicDriver struct{}

func (panicDriver) Open(string) (driver.Conn, error) { panic("replay dialed the database") }
