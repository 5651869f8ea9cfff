package exaws

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"
)

// ErrNoData is returned when iterating a result that carries only a row
// count.
var ErrNoData = errors.New("exaws: result has no data")

// Row is a single row of a result set.
type Row []any

// Result represents the outcome of one executed statement: either a row
// count, or a result set streamed with a lazy, forward-only, single-pass
// cursor. Iterating a second time yields no further rows.
//
// A Result with a server-side handle holds a remote resource; Close must
// be called on every exit path. Fully consuming the rows closes the Result
// automatically.
type Result struct {
	cn         *Connection
	resultType ResultType
	rowCount   int64
	columns    []Column

	// Exactly one of data (inline rows, column-major) and handle is set
	// for a result set.
	data   [][]any
	handle *int64

	// nil when no column needs conversion; row transformation then uses a
	// direct transpose.
	converters []converter

	// cursor state
	pageRows  []Row
	pagePos   int
	offset    int64
	inline    bool // inline data not yet consumed
	exhausted bool
}

// newResult builds a Result from one statement outcome of an execute
// response. raw suppresses value conversion.
func newResult(cn *Connection, entry resultEntry, raw bool) (*Result, error) {
	r := &Result{cn: cn, resultType: entry.ResultType}
	if entry.ResultType != ResultTypeResultSet {
		r.rowCount = entry.RowCount
		return r, nil
	}

	rs := entry.ResultSet
	if rs == nil {
		return nil, protocolErrorf(nil, "result set payload missing")
	}
	r.rowCount = rs.NumRows
	r.columns = rs.Columns
	if rs.ResultSetHandle != nil {
		r.handle = rs.ResultSetHandle
		cn.trackHandle()
	} else {
		r.data = rs.Data
		r.inline = r.data != nil
	}
	if !raw {
		r.converters = convertersFor(rs.Columns, cn.formats())
	}
	return r, nil
}

// Type returns the kind of the result.
func (r *Result) Type() ResultType {
	return r.resultType
}

// RowCount returns the number of rows: affected rows for a row count
// result, total rows for a result set.
func (r *Result) RowCount() int64 {
	return r.rowCount
}

// Columns returns the column metadata, or nil for a row count result.
func (r *Result) Columns() []Column {
	return r.columns
}

// Next returns the next row. It returns io.EOF when the result is
// exhausted and ErrNoData when the result has no result set. When the last
// row has been delivered the Result closes itself, releasing any
// server-side handle.
func (r *Result) Next(ctx context.Context) (Row, error) {
	if r.resultType != ResultTypeResultSet {
		return nil, ErrNoData
	}
	for {
		if r.pagePos < len(r.pageRows) {
			row := r.pageRows[r.pagePos]
			r.pagePos++
			return row, nil
		}
		if r.exhausted {
			return nil, io.EOF
		}

		switch {
		case r.handle != nil && r.offset < r.rowCount:
			page, err := r.cn.fetch(ctx, *r.handle, r.offset)
			if err != nil {
				return nil, err
			}
			if page.NumRows <= 0 {
				// a page without progress would loop forever
				return nil, protocolErrorf(nil,
					"fetch returned no rows at offset %d of %d", r.offset, r.rowCount)
			}
			rows, err := r.transform(page.Data)
			if err != nil {
				return nil, err
			}
			r.offset += page.NumRows
			r.pageRows = rows
			r.pagePos = 0

		case r.inline:
			rows, err := r.transform(r.data)
			if err != nil {
				return nil, err
			}
			r.inline = false
			r.pageRows = rows
			r.pagePos = 0

		default:
			// fully iterated, close immediately
			r.exhausted = true
			r.pageRows = nil
			if err := r.Close(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// FetchOne returns the next row, or nil when no rows remain.
func (r *Result) FetchOne(ctx context.Context) (Row, error) {
	row, err := r.Next(ctx)
	if err == io.EOF {
		return nil, nil
	}
	return row, err
}

// FetchAll drains the remaining rows into a slice.
func (r *Result) FetchAll(ctx context.Context) ([]Row, error) {
	rows := []Row{}
	for {
		row, err := r.Next(ctx)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// transform turns a column-major page into row-major rows, applying the
// per-column converters. When no column needs conversion the per-value
// dispatch is skipped and the page is transposed directly; both paths
// produce identical output for conversion-free columns.
func (r *Result) transform(colMajor [][]any) ([]Row, error) {
	if len(colMajor) == 0 {
		return nil, nil
	}
	numRows := len(colMajor[0])
	rows := make([]Row, numRows)
	if r.converters == nil {
		for i := 0; i < numRows; i++ {
			row := make(Row, len(colMajor))
			for j, col := range colMajor {
				row[j] = col[i]
			}
			rows[i] = row
		}
		return rows, nil
	}
	for i := 0; i < numRows; i++ {
		row := make(Row, len(colMajor))
		for j, col := range colMajor {
			val := col[i]
			if conv := r.converters[j]; conv != nil {
				converted, err := conv(val)
				if err != nil {
					return nil, err
				}
				val = converted
			}
			row[j] = val
		}
		rows[i] = row
	}
	return rows, nil
}

// Close closes the result. It can be called multiple times. A held
// server-side handle is released (and cleared first, so a re-entrant close
// sees nothing to redo); inline data is dropped and the cursor terminated.
func (r *Result) Close(ctx context.Context) error {
	r.exhausted = true
	r.pageRows = nil
	r.inline = false
	r.data = nil
	if r.handle != nil {
		handle := *r.handle
		r.handle = nil
		r.cn.untrackHandle()
		if err := r.cn.closeResult(ctx, handle); err != nil {
			log.Debug().Err(err).Int64("handle", handle).
				Msg("failed to close result set")
			return err
		}
	}
	return nil
}
