package exaws

import (
	"fmt"
	"strconv"

	"github.com/blenq/exaws/utils"
)

// ConnStatus indicates where a Connection is in its lifecycle.
type ConnStatus int8

const (
	// StatusClosed is the initial and terminal state; no transport exists.
	StatusClosed ConnStatus = iota
	// StatusWSConnected means the WebSocket is open but login has not run.
	StatusWSConnected
	// StatusConnected means login completed and requests may be issued.
	StatusConnected
	// StatusDisconnecting means close is sending the disconnect command.
	StatusDisconnecting
	// StatusClosing means the transport is being released.
	StatusClosing
)

var connStatusMap = utils.NewBiMap(map[ConnStatus]string{
	StatusClosed:        "CLOSED",
	StatusWSConnected:   "WS_CONNECTED",
	StatusConnected:     "CONNECTED",
	StatusDisconnecting: "DISCONNECTING",
	StatusClosing:       "CLOSING",
})

// String returns the name of the status, or its numeric value if unknown.
func (s ConnStatus) String() string {
	if name, ok := connStatusMap.Lookup(s); ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// ParseConnStatus parses a status name into a ConnStatus.
func ParseConnStatus(str string) (ConnStatus, error) {
	if status, ok := connStatusMap.RLookup(str); ok {
		return status, nil
	}
	return StatusClosed, fmt.Errorf("unknown ConnStatus string %s, defaulting to %s",
		str, connStatusMap.DirectLookup(StatusClosed))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s ConnStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *ConnStatus) UnmarshalText(text []byte) error {
	var err error
	*s, err = ParseConnStatus(string(text))
	return err
}

// ResultType indicates the kind of result an executed statement produced.
type ResultType int8

const (
	// ResultTypeRowCount is a statement outcome carrying only a row count.
	ResultTypeRowCount ResultType = iota
	// ResultTypeResultSet is a statement outcome carrying rows.
	ResultTypeResultSet
)

var resultTypeMap = utils.NewBiMap(map[ResultType]string{
	ResultTypeRowCount:  "rowCount",
	ResultTypeResultSet: "resultSet",
})

// String returns the protocol name of the result type.
func (rt ResultType) String() string {
	if name, ok := resultTypeMap.Lookup(rt); ok {
		return name
	}
	return strconv.Itoa(int(rt))
}

// ParseResultType parses a protocol result type name.
func ParseResultType(str string) (ResultType, error) {
	if rt, ok := resultTypeMap.RLookup(str); ok {
		return rt, nil
	}
	return ResultTypeRowCount, fmt.Errorf("unknown ResultType string %s, defaulting to %s",
		str, resultTypeMap.DirectLookup(ResultTypeRowCount))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rt ResultType) MarshalText() ([]byte, error) {
	return []byte(rt.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rt *ResultType) UnmarshalText(text []byte) error {
	var err error
	*rt, err = ParseResultType(string(text))
	return err
}
