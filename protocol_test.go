package exaws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON_NumberPreservation(t *testing.T) {
	// an 18-digit integer exceeds float64 precision; it must survive the
	// decode as json.Number
	var data fetchResponseData
	require.NoError(t, decodeJSON(
		[]byte(`{"numRows":1,"data":[[999999999999999999]]}`), &data))

	num, ok := data.Data[0][0].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "999999999999999999", num.String())
}

func TestResponseEnvelope_Decode(t *testing.T) {
	t.Run("error with exception", func(t *testing.T) {
		var resp response
		require.NoError(t, decodeJSON(
			[]byte(`{"status":"error","exception":{"sqlCode":"42000","text":"boom"}}`), &resp))
		require.NotNil(t, resp.Exception)
		assert.Equal(t, "42000", *resp.Exception.SQLCode)
		assert.Equal(t, "boom", *resp.Exception.Text)
	})

	t.Run("exception fields distinguish absent from empty", func(t *testing.T) {
		var resp response
		require.NoError(t, decodeJSON(
			[]byte(`{"status":"error","exception":{"sqlCode":""}}`), &resp))
		require.NotNil(t, resp.Exception.SQLCode)
		assert.Empty(t, *resp.Exception.SQLCode)
		assert.Nil(t, resp.Exception.Text)
	})

	t.Run("result entry type parses", func(t *testing.T) {
		var data executeResponseData
		require.NoError(t, decodeJSON(
			[]byte(`{"numResults":1,"results":[{"resultType":"rowCount","rowCount":3}]}`), &data))
		require.Len(t, data.Results, 1)
		assert.Equal(t, ResultTypeRowCount, data.Results[0].ResultType)
		assert.Equal(t, int64(3), data.Results[0].RowCount)
	})
}
