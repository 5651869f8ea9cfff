// Package exawstest provides a mock Exasol WebSocket server for
// integration testing the exaws client without a real database.
package exawstest

import (
	"bytes"
	"compress/zlib"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	exaws "github.com/blenq/exaws"
)

// --- Data Models ---

// MockError describes a simulated server-side failure for a query template.
type MockError struct {
	SQLCode string
	Text    string
}

// MockQueryTemplate defines the static result for a specific SQL string.
//
// Result delivery modes:
//
//  1. Row count only: leave Columns nil and set RowCount. Used for DML and
//     DDL statements.
//
//  2. Inline result set: set Columns and Data, leave FetchRows at 0. All
//     rows are delivered in the execute response without a server handle.
//
//  3. Paged result set: set Columns, Data, and FetchRows > 0. The execute
//     response carries only a result set handle; each fetch command
//     returns the next FetchRows rows until the set is drained.
type MockQueryTemplate struct {
	SQL       string         // The SQL string used for template matching.
	RowCount  int64          // Row count for templates without Columns.
	Columns   []exaws.Column // Result set column metadata.
	Data      [][]any        // Full result set, row-major.
	FetchRows int            // Rows per fetch response; 0 means inline delivery.
	Error     *MockError     // Optional error to simulate a query failure.
}

// openResultSet tracks a server-side result set handle created for a paged
// template.
type openResultSet struct {
	template *MockQueryTemplate
}

// --- Mock Server Implementation ---

// MockExasolServer simulates an Exasol database node for integration
// testing. It implements the two-phase password login, token login,
// execute/fetch paging, result set handle bookkeeping, and the optional
// zlib frame compression the production protocol uses.
type MockExasolServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	key      *rsa.PrivateKey

	// Accepted credentials. Zero values accept any user or token.
	Username    string
	Password    string
	AccessToken string

	// Attributes returned by the getAttributes command and attached to
	// attribute-bearing responses.
	Attributes exaws.Attributes

	// MutateResponse, when set, rewrites the raw JSON payload of every
	// response before it is framed and sent. Tests use it to produce
	// malformed envelopes.
	MutateResponse func([]byte) []byte

	templates map[string]*MockQueryTemplate
	handles   map[int64]*openResultSet
	mu        sync.RWMutex

	handleCounter atomic.Int64
	fetchCalls    atomic.Int64
	sessionID     atomic.Int64
}

// NewMockExasolServer initializes a mock server with a fresh RSA keypair
// and starts listening on a loopback port.
func NewMockExasolServer() (*MockExasolServer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("exawstest: generating RSA key: %w", err)
	}

	mock := &MockExasolServer{
		key:       key,
		templates: make(map[string]*MockQueryTemplate),
		handles:   make(map[int64]*openResultSet),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock, nil
}

// AddQuery registers a SQL template.
func (m *MockExasolServer) AddQuery(tmpl *MockQueryTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tmpl.SQL] = tmpl
}

// Host returns the listen address of the mock server.
func (m *MockExasolServer) Host() string {
	u, _ := url.Parse(m.server.URL)
	return u.Hostname()
}

// Port returns the listen port of the mock server.
func (m *MockExasolServer) Port() int {
	u, _ := url.Parse(m.server.URL)
	port, _ := strconv.Atoi(u.Port())
	return port
}

// Config returns an exaws.Config pointing at the mock server with the
// configured credentials filled in.
func (m *MockExasolServer) Config() exaws.Config {
	return exaws.Config{
		Host:     m.Host(),
		Port:     m.Port(),
		User:     m.Username,
		Password: m.Password,
	}
}

// DSN returns an exa:// DSN pointing at the mock server.
func (m *MockExasolServer) DSN() string {
	u := url.URL{
		Scheme: "exa",
		Host:   fmt.Sprintf("%s:%d", m.Host(), m.Port()),
	}
	if m.Username != "" {
		u.User = url.UserPassword(m.Username, m.Password)
	}
	return u.String()
}

// FetchCalls reports how many fetch commands the server has handled.
func (m *MockExasolServer) FetchCalls() int64 {
	return m.fetchCalls.Load()
}

// OpenHandles reports how many result set handles are currently open.
func (m *MockExasolServer) OpenHandles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// Close shuts down the mock server.
func (m *MockExasolServer) Close() { m.server.Close() }

// --- Session Handling ---

// mockSession holds the per-connection protocol state.
type mockSession struct {
	ws       *websocket.Conn
	compress bool // switched on after a successful compressed login
}

func (m *MockExasolServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	sess := &mockSession{ws: ws}
	for {
		payload, err := sess.receive()
		if err != nil {
			return
		}
		if done := m.dispatch(sess, payload); done {
			return
		}
	}
}

// dispatch handles one client command. It returns true when the session
// should end.
func (m *MockExasolServer) dispatch(sess *mockSession, payload []byte) bool {
	var cmd struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.sendError(sess, "00000", "could not parse request")
		return false
	}

	switch cmd.Command {
	case "login":
		m.handleLogin(sess, payload)
	case "loginToken":
		m.handleLoginToken(sess, payload)
	case "execute":
		m.handleExecute(sess, payload)
	case "fetch":
		m.handleFetch(sess, payload)
	case "closeResultSet":
		m.handleCloseResultSet(sess, payload)
	case "getAttributes":
		m.sendOK(sess, nil, &m.Attributes)
	case "disconnect":
		m.sendOK(sess, nil, nil)
		return true
	default:
		m.sendError(sess, "00000", fmt.Sprintf("unknown command %q", cmd.Command))
	}
	return false
}

// handleLogin replies with the public key and then waits for the
// credential payload, which arrives without a command field.
func (m *MockExasolServer) handleLogin(sess *mockSession, payload []byte) {
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&m.key.PublicKey),
	})
	m.sendOK(sess, map[string]any{"publicKeyPem": string(pemBytes)}, nil)

	credentials, err := sess.receive()
	if err != nil {
		return
	}
	var auth struct {
		Username       string `json:"username"`
		Password       string `json:"password"`
		UseCompression bool   `json:"useCompression"`
	}
	if err := json.Unmarshal(credentials, &auth); err != nil {
		m.sendError(sess, "00000", "could not parse credentials")
		return
	}

	password, err := m.decryptPassword(auth.Password)
	if err != nil {
		m.sendError(sess, "08004", "Connection exception - decryption of password failed.")
		return
	}
	if (m.Username != "" && auth.Username != m.Username) ||
		(m.Password != "" && password != m.Password) {
		m.sendError(sess, "08004", "Connection exception - authentication failed.")
		return
	}

	m.finishLogin(sess, auth.UseCompression)
}

// handleLoginToken performs token authentication. No key exchange takes
// place; the token payload follows immediately.
func (m *MockExasolServer) handleLoginToken(sess *mockSession, payload []byte) {
	m.sendOK(sess, map[string]any{}, nil)

	credentials, err := sess.receive()
	if err != nil {
		return
	}
	var auth struct {
		AccessToken    string `json:"accessToken"`
		RefreshToken   string `json:"refreshToken"`
		UseCompression bool   `json:"useCompression"`
	}
	if err := json.Unmarshal(credentials, &auth); err != nil {
		m.sendError(sess, "00000", "could not parse credentials")
		return
	}

	token := auth.AccessToken
	if token == "" {
		token = auth.RefreshToken
	}
	if m.AccessToken != "" && token != m.AccessToken {
		m.sendError(sess, "08004", "Connection exception - authentication failed.")
		return
	}

	m.finishLogin(sess, auth.UseCompression)
}

// finishLogin sends the session info response and arms compression. The
// login response itself is always sent uncompressed; the client switches
// its framing only after reading it.
func (m *MockExasolServer) finishLogin(sess *mockSession, useCompression bool) {
	m.sendOK(sess, map[string]any{
		"sessionId":       m.sessionID.Add(1),
		"protocolVersion": 3,
		"releaseVersion":  "8.0.0",
		"databaseName":    "mockdb",
	}, &m.Attributes)
	sess.compress = useCompression
}

// decryptPassword reverses the client-side PKCS#1 v1.5 password encryption.
func (m *MockExasolServer) decryptPassword(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, m.key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// --- Query Handling ---

func (m *MockExasolServer) handleExecute(sess *mockSession, payload []byte) {
	var cmd struct {
		SQLText string `json:"sqlText"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.sendError(sess, "00000", "could not parse execute request")
		return
	}

	m.mu.RLock()
	tmpl, exists := m.templates[cmd.SQLText]
	m.mu.RUnlock()

	if !exists {
		tmpl = &MockQueryTemplate{SQL: cmd.SQLText}
	}
	if tmpl.Error != nil {
		m.sendError(sess, tmpl.Error.SQLCode, tmpl.Error.Text)
		return
	}

	var result map[string]any
	switch {
	case tmpl.Columns == nil:
		result = map[string]any{
			"resultType": "rowCount",
			"rowCount":   tmpl.RowCount,
		}
	case tmpl.FetchRows > 0:
		handle := m.handleCounter.Add(1)
		m.mu.Lock()
		m.handles[handle] = &openResultSet{template: tmpl}
		m.mu.Unlock()
		result = map[string]any{
			"resultType": "resultSet",
			"resultSet": map[string]any{
				"resultSetHandle":  handle,
				"numColumns":       len(tmpl.Columns),
				"numRows":          len(tmpl.Data),
				"numRowsInMessage": 0,
				"columns":          tmpl.Columns,
			},
		}
	default:
		result = map[string]any{
			"resultType": "resultSet",
			"resultSet": map[string]any{
				"numColumns":       len(tmpl.Columns),
				"numRows":          len(tmpl.Data),
				"numRowsInMessage": len(tmpl.Data),
				"columns":          tmpl.Columns,
				"data":             columnMajor(tmpl.Data, len(tmpl.Columns)),
			},
		}
	}

	m.sendOK(sess, map[string]any{
		"numResults": 1,
		"results":    []any{result},
	}, nil)
}

func (m *MockExasolServer) handleFetch(sess *mockSession, payload []byte) {
	m.fetchCalls.Add(1)

	var cmd struct {
		ResultSetHandle int64 `json:"resultSetHandle"`
		StartPosition   int64 `json:"startPosition"`
		NumBytes        int64 `json:"numBytes"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.sendError(sess, "00000", "could not parse fetch request")
		return
	}

	m.mu.RLock()
	rs, exists := m.handles[cmd.ResultSetHandle]
	m.mu.RUnlock()
	if !exists {
		m.sendError(sess, "00000", fmt.Sprintf("unknown result set handle %d", cmd.ResultSetHandle))
		return
	}

	tmpl := rs.template
	start := int(cmd.StartPosition)
	end := start + tmpl.FetchRows
	if end > len(tmpl.Data) {
		end = len(tmpl.Data)
	}
	var window [][]any
	if start < end {
		window = tmpl.Data[start:end]
	}

	m.sendOK(sess, map[string]any{
		"numRows": len(window),
		"data":    columnMajor(window, len(tmpl.Columns)),
	}, nil)
}

func (m *MockExasolServer) handleCloseResultSet(sess *mockSession, payload []byte) {
	var cmd struct {
		ResultSetHandles []int64 `json:"resultSetHandles"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		m.sendError(sess, "00000", "could not parse closeResultSet request")
		return
	}

	m.mu.Lock()
	for _, handle := range cmd.ResultSetHandles {
		delete(m.handles, handle)
	}
	m.mu.Unlock()

	m.sendOK(sess, nil, nil)
}

// columnMajor transposes row-major template data into the column-major
// layout the wire protocol uses.
func columnMajor(rows [][]any, numColumns int) [][]any {
	columns := make([][]any, numColumns)
	for i := range columns {
		columns[i] = make([]any, len(rows))
		for j, row := range rows {
			columns[i][j] = row[i]
		}
	}
	return columns
}

// --- Response Framing ---

func (m *MockExasolServer) sendOK(sess *mockSession, responseData any, attributes *exaws.Attributes) {
	envelope := map[string]any{"status": "ok"}
	if responseData != nil {
		envelope["responseData"] = responseData
	}
	if attributes != nil {
		envelope["attributes"] = attributes
	}
	m.sendEnvelope(sess, envelope)
}

func (m *MockExasolServer) sendError(sess *mockSession, sqlCode, text string) {
	m.sendEnvelope(sess, map[string]any{
		"status": "error",
		"exception": map[string]any{
			"sqlCode": sqlCode,
			"text":    text,
		},
	})
}

func (m *MockExasolServer) sendEnvelope(sess *mockSession, envelope map[string]any) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if m.MutateResponse != nil {
		payload = m.MutateResponse(payload)
	}
	_ = sess.send(payload)
}

func (s *mockSession) send(payload []byte) error {
	if !s.compress {
		return s.ws.WriteMessage(websocket.TextMessage, payload)
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(payload); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (s *mockSession) receive() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if !s.compress {
		return data, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
