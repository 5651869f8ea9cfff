package exaws

import (
	"bytes"
	"encoding/json"
)

// Exasol WebSocket protocol constants.
const (
	// ProtocolVersion is the WebSocket API version spoken by this client.
	ProtocolVersion = 3

	// CanonicalDateFormat is the NLS date format requested at login. Date
	// values are only parsed when the session format equals this value.
	CanonicalDateFormat = "YYYY-MM-DD"

	// FetchByteBudget is the maximum payload size requested per fetch
	// round trip (5 MiB).
	FetchByteBudget = 5 * 1024 * 1024

	DriverName    = "exaws"
	DriverVersion = "0.1"
)

// Protocol command names.
const (
	cmdLogin          = "login"
	cmdLoginToken     = "loginToken"
	cmdExecute        = "execute"
	cmdFetch          = "fetch"
	cmdCloseResultSet = "closeResultSet"
	cmdDisconnect     = "disconnect"
	cmdGetAttributes  = "getAttributes"
)

// Response status values.
const (
	statusOK    = "ok"
	statusError = "error"
)

// command is the first login-phase request and every parameterless request.
type command struct {
	Command string `json:"command"`
}

// loginCommand starts the two-phase login handshake.
type loginCommand struct {
	Command         string `json:"command"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// authRequest is the second login-phase request. Password carries the
// base64-encoded RSA ciphertext of the cleartext password; token logins set
// AccessToken or RefreshToken instead.
type authRequest struct {
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`

	// Client identification, informational only.
	DriverName       string `json:"driverName"`
	ClientName       string `json:"clientName"`
	ClientVersion    string `json:"clientVersion"`
	ClientOs         string `json:"clientOs"`
	ClientOsUsername string `json:"clientOsUsername,omitempty"`
	ClientRuntime    string `json:"clientRuntime"`

	UseCompression bool            `json:"useCompression"`
	Attributes     loginAttributes `json:"attributes"`
}

// loginAttributes are the initial session attributes sent with login.
type loginAttributes struct {
	CurrentSchema               string `json:"currentSchema"`
	Autocommit                  bool   `json:"autocommit"`
	QueryTimeout                int64  `json:"queryTimeout"`
	DateFormat                  string `json:"dateFormat"`
	SnapshotTransactionsEnabled *bool  `json:"snapshotTransactionsEnabled,omitempty"`
}

// loginResponseData is the payload of the first login-phase response.
type loginResponseData struct {
	PublicKeyPem string `json:"publicKeyPem"`
}

// executeCommand runs one SQL statement. The statement text is opaque to
// the client; no parsing is performed.
type executeCommand struct {
	Command string `json:"command"`
	SQLText string `json:"sqlText"`
}

// fetchCommand requests one page of a server-side result set.
type fetchCommand struct {
	Command         string `json:"command"`
	ResultSetHandle int64  `json:"resultSetHandle"`
	StartPosition   int64  `json:"startPosition"`
	NumBytes        int64  `json:"numBytes"`
}

// closeResultSetCommand releases server-side result handles.
type closeResultSetCommand struct {
	Command          string  `json:"command"`
	ResultSetHandles []int64 `json:"resultSetHandles"`
}

// response is the envelope every server message arrives in.
type response struct {
	Status       string          `json:"status"`
	ResponseData json.RawMessage `json:"responseData"`
	Attributes   *Attributes     `json:"attributes"`
	Exception    *exception      `json:"exception"`
}

// exception is the error payload of a status=="error" response. Pointer
// fields distinguish missing from empty: a server error without sqlCode or
// text cannot be represented and is a protocol error.
type exception struct {
	SQLCode *string `json:"sqlCode"`
	Text    *string `json:"text"`
}

// Attributes is the session attribute object the server may attach to any
// response. Pointer fields distinguish "absent" from zero values; only
// present fields update session state.
type Attributes struct {
	DateFormat     *string `json:"dateFormat,omitempty"`
	DatetimeFormat *string `json:"datetimeFormat,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Autocommit     *bool   `json:"autocommit,omitempty"`
	CurrentSchema  *string `json:"currentSchema,omitempty"`
	QueryTimeout   *int64  `json:"queryTimeout,omitempty"`
}

// executeResponseData is the payload of an execute response.
type executeResponseData struct {
	NumResults int64         `json:"numResults"`
	Results    []resultEntry `json:"results"`
}

// resultEntry is one statement outcome inside an execute response.
type resultEntry struct {
	ResultType ResultType     `json:"resultType"`
	RowCount   int64          `json:"rowCount"`
	ResultSet  *resultSetData `json:"resultSet"`
}

// resultSetData describes a result set. Small results carry their rows
// inline in Data; larger ones carry a ResultSetHandle to fetch against.
// Data is column-major: one array per column.
type resultSetData struct {
	ResultSetHandle  *int64   `json:"resultSetHandle"`
	NumColumns       int64    `json:"numColumns"`
	NumRows          int64    `json:"numRows"`
	NumRowsInMessage int64    `json:"numRowsInMessage"`
	Columns          []Column `json:"columns"`
	Data             [][]any  `json:"data"`
}

// fetchResponseData is the payload of a fetch response: one page of
// column-major data and the number of rows it contains.
type fetchResponseData struct {
	NumRows int64   `json:"numRows"`
	Data    [][]any `json:"data"`
}

// decodeJSON unmarshals data into v with number preservation enabled, so
// 18-digit integers survive the trip instead of degrading to float64.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
