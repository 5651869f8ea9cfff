package exaws_test

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exaws "github.com/blenq/exaws"
	"github.com/blenq/exaws/exawstest"
)

func varcharColumn(name string) exaws.Column {
	return exaws.Column{Name: name, DataType: exaws.DataType{Type: "VARCHAR", Size: 100}}
}

func decimalColumn(name string, precision, scale int64) exaws.Column {
	return exaws.Column{Name: name, DataType: exaws.DataType{
		Type: "DECIMAL", Precision: precision, Scale: scale}}
}

// --- Segment 1: Row Count Results ---

func TestResult_RowCount(t *testing.T) {
	server := newServer(t)
	server.AddQuery(&exawstest.MockQueryTemplate{
		SQL:      "DELETE FROM T",
		RowCount: 5,
	})
	cn := connect(t, server)
	ctx := context.Background()

	res, err := cn.Execute(ctx, "DELETE FROM T")
	require.NoError(t, err)
	defer res.Close(ctx)

	assert.Equal(t, exaws.ResultTypeRowCount, res.Type())
	assert.Equal(t, int64(5), res.RowCount())
	assert.Nil(t, res.Columns())

	_, err = res.Next(ctx)
	assert.ErrorIs(t, err, exaws.ErrNoData)
	_, err = res.FetchOne(ctx)
	assert.ErrorIs(t, err, exaws.ErrNoData)
}

// --- Segment 2: Inline Result Sets ---

func TestResult_Inline(t *testing.T) {
	server := newServer(t)
	server.AddQuery(&exawstest.MockQueryTemplate{
		SQL:     "SELECT ID, NAME FROM USERS",
		Columns: []exaws.Column{decimalColumn("ID", 18, 0), varcharColumn("NAME")},
		Data: [][]any{
			{1, "alice"},
			{2, "bob"},
			{3, nil},
		},
	})
	cn := connect(t, server)
	ctx := context.Background()

	res, err := cn.Execute(ctx, "SELECT ID, NAME FROM USERS")
	require.NoError(t, err)
	defer res.Close(ctx)

	assert.Equal(t, exaws.ResultTypeResultSet, res.Type())
	assert.Equal(t, int64(3), res.RowCount())
	require.Len(t, res.Columns(), 2)
	assert.Equal(t, "ID", res.Columns()[0].Name)
	assert.Equal(t, "NAME", res.Columns()[1].Name)

	rows, err := res.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// DECIMAL(18,0) needs no conversion: values stay json.Number
	assert.Equal(t, exaws.Row{json.Number("1"), "alice"}, rows[0])
	assert.Equal(t, exaws.Row{json.Number("2"), "bob"}, rows[1])
	assert.Equal(t, exaws.Row{json.Number("3"), nil}, rows[2])

	t.Run("iterating again yields nothing", func(t *testing.T) {
		_, err := res.Next(ctx)
		assert.ErrorIs(t, err, io.EOF)

		row, err := res.FetchOne(ctx)
		require.NoError(t, err)
		assert.Nil(t, row)

		rows, err := res.FetchAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	// no server handle was ever involved
	assert.Zero(t, server.OpenHandles())
	assert.Zero(t, cn.OpenHandles())
}

// --- Segment 3: Paged Result Sets ---

func TestResult_Paged(t *testing.T) {
	data := make([][]any, 7)
	for i := range data {
		data[i] = []any{i}
	}
	server := newServer(t)
	server.AddQuery(&exawstest.MockQueryTemplate{
		SQL:       "SELECT N FROM BIG",
		Columns:   []exaws.Column{decimalColumn("N", 18, 0)},
		Data:      data,
		FetchRows: 3,
	})
	cn := connect(t, server)
	ctx := context.Background()

	res, err := cn.Execute(ctx, "SELECT N FROM BIG")
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.RowCount())
	assert.Equal(t, 1, cn.OpenHandles())
	assert.Equal(t, 1, server.OpenHandles())

	var got []exaws.Row
	for {
		row, err := res.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, row)
	}

	require.Len(t, got, 7)
	for i, row := range got {
		assert.Equal(t, exaws.Row{json.Number(strconv.Itoa(i))}, row)
	}
	// 7 rows in pages of 3 takes ceil(7/3) = 3 round trips
	assert.Equal(t, int64(3), server.FetchCalls())

	// exhaustion released the server handle without an explicit Close
	assert.Zero(t, cn.OpenHandles())
	assert.Zero(t, server.OpenHandles())

	// Close after auto-close stays a no-op
	require.NoError(t, res.Close(ctx))
	require.NoError(t, res.Close(ctx))
}

func TestResult_CloseReleasesHandle(t *testing.T) {
	server := newServer(t)
	server.AddQuery(&exawstest.MockQueryTemplate{
		SQL:       "SELECT N FROM BIG",
		Columns:   []exaws.Column{decimalColumn("N", 18, 0)},
		Data:      [][]any{{1}, {2}, {3}, {4}},
		FetchRows: 2,
	})
	cn := connect(t, server)
	ctx := context.Background()

	res, err := cn.Execute(ctx, "SELECT N FROM BIG")
	require.NoError(t, err)

	// read only the first page, then abandon the cursor
	row, err := res.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, exaws.Row{json.Number("1")}, row)

	require.NoError(t, res.Close(ctx))
	assert.Zero(t, cn.OpenHandles())
	assert.Zero(t, server.OpenHandles())

	_, err = res.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestResult_ZeroProgressPage(t *testing.T) {
	server := newServer(t)
	server.AddQuery(&exawstest.MockQueryTemplate{
		SQL:       "SELECT N FROM BIG",
		Columns:   []exaws.Column{decimalColumn("N", 18, 0)},
		Data:      [][]any{{1}, {2}},
		FetchRows: 1,
	})
	cn := connect(t, server)
	ctx := context.Background()

	res, err := cn.Execute(ctx, "SELECT N FROM BIG")
	require.NoError(t, err)

	// a fetch page without rows would loop forever, so it must fail hard
	server.MutateResponse = func([]byte) []byte {
		return []byte(`{"status":"ok","responseData":{"numRows":0,"data":[]}}`)
	}
	_, err = res.Next(ctx)
	server.MutateResponse = nil

	var protoErr *exaws.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, err.Error(), "no rows")

	require.NoError(t, res.Close(ctx))
	assert.Zero(t, cn.OpenHandles())
}

// --- Segment 4: Value Conversion End To End ---

func TestResult_Conversion(t *testing.T) {
	server := newServer(t)
	server.Attributes = exaws.Attributes{
		DatetimeFormat: strPtr("YYYY-MM-DD HH24:MI:SS.FF6"),
	}
	server.AddQuery(&exawstest.MockQueryTemplate{
		SQL: "SELECT * FROM TYPED",
		Columns: []exaws.Column{
			decimalColumn("BIG", 36, 0),
			decimalColumn("MONEY", 10, 2),
			{Name: "BORN", DataType: exaws.DataType{Type: "DATE"}},
			{Name: "SEEN", DataType: exaws.DataType{Type: "TIMESTAMP"}},
			{Name: "HASH", DataType: exaws.DataType{Type: "HASHTYPE", Size: 32}},
		},
		Data: [][]any{{
			"12345678901234567890",
			"123.45",
			"2020-05-23",
			"2020-05-23 14:30:15.123456",
			"550e8400-e29b-11d4-a716-446655440099",
		}},
	})
	cn := connect(t, server)
	ctx := context.Background()

	t.Run("converted", func(t *testing.T) {
		res, err := cn.Execute(ctx, "SELECT * FROM TYPED")
		require.NoError(t, err)
		defer res.Close(ctx)

		row, err := res.FetchOne(ctx)
		require.NoError(t, err)
		require.Len(t, row, 5)

		wantBig, _ := new(big.Int).SetString("12345678901234567890", 10)
		assert.Equal(t, wantBig, row[0])
		wantMoney, _ := decimal.NewFromString("123.45")
		assert.True(t, wantMoney.Equal(row[1].(decimal.Decimal)))
		assert.Equal(t, time.Date(2020, 5, 23, 0, 0, 0, 0, time.UTC), row[2])
		assert.Equal(t, time.Date(2020, 5, 23, 14, 30, 15, 123456000, time.UTC), row[3])
		assert.Equal(t, uuid.MustParse("550e8400-e29b-11d4-a716-446655440099"), row[4])
	})

	t.Run("raw passthrough", func(t *testing.T) {
		res, err := cn.ExecuteRaw(ctx, "SELECT * FROM TYPED")
		require.NoError(t, err)
		defer res.Close(ctx)

		row, err := res.FetchOne(ctx)
		require.NoError(t, err)
		assert.Equal(t, exaws.Row{
			"12345678901234567890",
			"123.45",
			"2020-05-23",
			"2020-05-23 14:30:15.123456",
			"550e8400-e29b-11d4-a716-446655440099",
		}, row)
	})
}

// --- Segment 5: Server Errors ---

func TestResult_ServerError(t *testing.T) {
	server := newServer(t)
	server.AddQuery(&exawstest.MockQueryTemplate{
		SQL:   "SELECT * FROM MISSING",
		Error: &exawstest.MockError{SQLCode: "42000", Text: "object MISSING not found"},
	})
	cn := connect(t, server)

	_, err := cn.Execute(context.Background(), "SELECT * FROM MISSING")
	var serverErr *exaws.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "42000", serverErr.SQLCode)
	assert.Equal(t, "42000: object MISSING not found", serverErr.Error())

	// the session survives a failed statement
	assert.Equal(t, exaws.StatusConnected, cn.Status())
}
