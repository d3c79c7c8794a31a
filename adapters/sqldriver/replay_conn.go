package sqldriver

import (
	"context"
	"database/sql/driver"
)

// replayConn is a synthetic connection: connect resolves immediately,
// transactions are no-ops, queries resolve from the recording.
type replayConn struct {
	cfg *config
}

func (c *replayConn) Prepare(query string) (driver.Stmt, error) {
	return &replayStmt{conn: c, query: query}, nil
}

func (c *replayConn) Close() error { return nil }

func (c *replayConn) Begin() (driver.Tx, error) { return replayTx{}, nil }

func (c *replayConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return replayTx{}, nil
}

func (c *replayConn) Ping(context.Context) error { return nil }

func (c *replayConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return gateQuery(ctx, c.cfg, query, args, func(context.Context) (driver.Rows, error) {
		// DISABLED mode cannot reach a replay connection; resolve empty
		return &replayRows{sets: []resultSet{{}}}, nil
	})
}

func (c *replayConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return gateExec(ctx, c.cfg, query, args, func(context.Context) (driver.Result, error) {
		return driver.RowsAffected(0), nil
	})
}

type replayStmt struct {
	conn  *replayConn
	query string
}

func (s *replayStmt) Close() error  { return nil }
func (s *replayStmt) NumInput() int { return -1 }

func (s *replayStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.ExecContext(context.Background(), s.query, valuesToNamed(args))
}

func (s *replayStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.QueryContext(context.Background(), s.query, valuesToNamed(args))
}

func (s *replayStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *replayStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

type replayTx struct{}

func (replayTx) Commit() error   { return nil }
func (replayTx) Rollback() error { return nil }
