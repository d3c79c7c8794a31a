package sqldriver

import (
	"context"
	"database/sql/driver"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/nmxmxh/tuskdrift/pkg/drift"
	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
	"github.com/nmxmxh/tuskdrift/pkg/oracle"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// resultSet holds one statement's columns and rows.
type resultSet struct {
	columns []string
	types   []string
	rows    [][]driver.Value
}

// recordQuery runs the real query, drains every result set into the span,
// and hands the host an in-memory cursor over the same data.
func recordQuery(ctx context.Context, sdk *drift.SDK, sp *span.Span, original func(context.Context) (driver.Rows, error), _ span.Value) (driver.Rows, error) {
	rec := sdk.Recorder()

	rows, err := original(ctx)
	if err != nil {
		rec.SetOutput(sp, span.Value(errdefs.Record(err)))
		return nil, err
	}

	sets, drainErr := drainRows(rows)
	closeErr := rows.Close()

	output := encodeSets(sets)
	if drainErr != nil {
		output["errQueryIndex"] = len(sets) - 1
		for k, v := range errdefs.Record(drainErr) {
			output[k] = v
		}
		rec.SetOutput(sp, output)
		return nil, drainErr
	}
	if closeErr != nil {
		rec.SetOutput(sp, span.Value(errdefs.Record(closeErr)))
		return nil, closeErr
	}

	rec.SetOutput(sp, output)
	return &replayRows{sets: sets}, nil
}

// replayQuery resolves the recording and streams it row at a time.
func replayQuery(ctx context.Context, sdk *drift.SDK, sp *span.Span, query string, input span.Value) (driver.Rows, error) {
	result, err := lookup(ctx, sdk, sp, query, "query", input)
	if err != nil {
		return nil, err
	}
	sets, decodeErr := decodeSets(result)
	if decodeErr != nil {
		// an unreadable recording is an instrumentation failure: empty rows,
		// never a fall-through to the live database
		sdk.Logger().Error("recorded result unreadable; returning empty rows")
		return &replayRows{sets: []resultSet{{}}}, nil
	}

	rows := &replayRows{sets: sets}
	if result["errQueryIndex"] != nil {
		// the recording failed mid-stream: replay the rows that arrived, then
		// the error, at the same point
		rows.err = errdefs.Reify(result)
	}
	return rows, nil
}

// lookup consults the oracle and reifies recorded errors.
func lookup(ctx context.Context, sdk *drift.SDK, sp *span.Span, query, submodule string, input span.Value) (span.Value, error) {
	resp, ok := sdk.Oracle().FindMockResponse(ctx, oracle.Request{
		TraceID:             sp.TraceID(),
		SpanID:              sp.SpanID(),
		Name:                query,
		SubmoduleName:       submodule,
		PackageName:         string(span.PackageMySQL),
		InstrumentationName: instrumentationName,
		InputValue:          input,
		Kind:                span.KindClient,
	})
	if !ok {
		err := errdefs.Wrap(errdefs.ErrNoMockFound, "sql "+submodule)
		sdk.Recorder().SetOutput(sp, span.Value(errdefs.Record(err)))
		return nil, err
	}
	sdk.Recorder().SetOutput(sp, resp.Result)
	if reified := errdefs.Reify(resp.Result); reified != nil && resp.Result["errQueryIndex"] == nil {
		return nil, reified
	}
	return resp.Result, nil
}

// drainRows buffers every result set. Recording trades streaming for a
// complete capture; the cursor the host receives replays the same order.
func drainRows(rows driver.Rows) ([]resultSet, error) {
	var sets []resultSet
	for {
		set := resultSet{columns: rows.Columns()}
		dest := make([]driver.Value, len(set.columns))
		for {
			err := rows.Next(dest)
			if err == io.EOF {
				break
			}
			if err != nil {
				sets = append(sets, set)
				return sets, err
			}
			row := make([]driver.Value, len(dest))
			copy(row, dest)
			for i, cell := range row {
				if b, ok := cell.([]byte); ok {
					cp := make([]byte, len(b))
					copy(cp, b)
					row[i] = cp
				}
			}
			set.rows = append(set.rows, row)
		}
		set.types = inferTypes(set)
		sets = append(sets, set)

		nrs, ok := rows.(driver.RowsNextResultSet)
		if !ok || !nrs.HasNextResultSet() {
			return sets, nil
		}
		if err := nrs.NextResultSet(); err != nil {
			if err == io.EOF {
				return sets, nil
			}
			return sets, err
		}
	}
}

func inferTypes(set resultSet) []string {
	types := make([]string, len(set.columns))
	for i := range types {
		types[i] = "string"
	}
	if len(set.rows) == 0 {
		return types
	}
	for i, cell := range set.rows[0] {
		switch cell.(type) {
		case []byte:
			types[i] = "bytes"
		case int64:
			types[i] = "int"
		case float64:
			types[i] = "float"
		case bool:
			types[i] = "bool"
		case time.Time:
			types[i] = "time"
		case nil:
			types[i] = "null"
		}
	}
	return types
}

// encodeSets shapes result sets into the span's output value. Binary cells
// are base64 strings; the per-column type tags make the round trip lossless.
func encodeSets(sets []resultSet) span.Value {
	results := make([]interface{}, 0, len(sets))
	fields := make([]interface{}, 0, len(sets))
	for _, set := range sets {
		cols := make([]interface{}, 0, len(set.columns))
		for i, name := range set.columns {
			cols = append(cols, map[string]interface{}{"name": name, "type": set.types[i]})
		}
		fields = append(fields, cols)

		rows := make([]interface{}, 0, len(set.rows))
		for _, row := range set.rows {
			cells := make([]interface{}, 0, len(row))
			for _, cell := range row {
				cells = append(cells, encodeCell(cell))
			}
			rows = append(rows, cells)
		}
		results = append(results, rows)
	}
	return span.Value{
		"results":    results,
		"fields":     fields,
		"queryCount": len(sets),
	}
}

func encodeCell(v driver.Value) interface{} {
	switch cell := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(cell)
	case time.Time:
		return cell.Format(time.RFC3339Nano)
	default:
		return cell
	}
}

// decodeSets rebuilds result sets from a recorded output value, undoing the
// widening storage round-trips introduce.
func decodeSets(result span.Value) ([]resultSet, error) {
	rawResults, ok := result["results"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("recorded output carries no results")
	}
	rawFields, _ := result["fields"].([]interface{})

	sets := make([]resultSet, 0, len(rawResults))
	for i, rawSet := range rawResults {
		set := resultSet{}
		if i < len(rawFields) {
			cols, _ := rawFields[i].([]interface{})
			for _, rawCol := range cols {
				col, _ := rawCol.(map[string]interface{})
				name, _ := col["name"].(string)
				typ, _ := col["type"].(string)
				set.columns = append(set.columns, name)
				set.types = append(set.types, typ)
			}
		}

		rows, _ := rawSet.([]interface{})
		for _, rawRow := range rows {
			cells, _ := rawRow.([]interface{})
			row := make([]driver.Value, len(cells))
			for j, cell := range cells {
				typ := ""
				if j < len(set.types) {
					typ = set.types[j]
				}
				row[j] = decodeCell(cell, typ)
			}
			set.rows = append(set.rows, row)
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func decodeCell(v interface{}, typ string) driver.Value {
	switch typ {
	case "bytes":
		if s, ok := v.(string); ok {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				return b
			}
		}
	case "time":
		if s, ok := v.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts
			}
		}
	case "int":
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	case "float":
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		case int:
			return float64(n)
		}
	}
	return v
}

// replayRows streams recorded rows statement by statement: columns, then
// each row in order, then the next result set, then EOF.
type replayRows struct {
	sets []resultSet
	set  int
	row  int
	err  error // delivered after the last recorded row
}

func (r *replayRows) Columns() []string {
	if r.set >= len(r.sets) {
		return nil
	}
	return r.sets[r.set].columns
}

func (r *replayRows) Close() error { return nil }

func (r *replayRows) Next(dest []driver.Value) error {
	if r.set >= len(r.sets) || r.row >= len(r.sets[r.set].rows) {
		if r.err != nil && r.set == len(r.sets)-1 {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.sets[r.set].rows[r.row])
	r.row++
	return nil
}

func (r *replayRows) HasNextResultSet() bool {
	return r.set+1 < len(r.sets)
}

func (r *replayRows) NextResultSet() error {
	if !r.HasNextResultSet() {
		return io.EOF
	}
	r.set++
	r.row = 0
	return nil
}

func int64Field(v span.Value, key string) int64 {
	switch n := v[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
