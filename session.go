package exaws

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"os/user"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Connection represents an Exasol database session over the WebSocket
// protocol. It owns the transport, performs the login handshake and
// serializes requests: the protocol has no request identifiers, so one
// request is in flight at a time and responses pair up strictly FIFO.
//
// A Connection may be shared between goroutines once Connect has returned.
// A Result must be driven by a single goroutine.
type Connection struct {
	cfg      Config
	uri      string
	password []byte // cleared after the login handshake used it

	ws   *websocket.Conn
	mode frameMode

	// reqMu serializes the send/receive cycle of every request.
	reqMu sync.Mutex

	// mu protects the negotiated session state below.
	mu             sync.RWMutex
	status         ConnStatus
	dateFormat     string
	datetimeFormat string
	tz             *time.Location
	autocommit     bool
	openResults    int
}

// NewConnection validates the configuration (resolving environment
// fallbacks) and returns a Connection in the CLOSED state. Call Connect to
// make it usable, or use the Connect function to do both in one step.
func NewConnection(cfg Config) (*Connection, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	cn := &Connection{
		cfg:        cfg,
		uri:        cfg.url(),
		password:   []byte(cfg.Password),
		status:     StatusClosed,
		autocommit: !cfg.DisableAutocommit,
	}
	cn.cfg.Password = ""
	return cn, nil
}

// Connect opens the transport, runs the login handshake and synchronizes
// the session attributes. It is valid only on a CLOSED Connection. Any
// failure closes the Connection before the error is returned, so no
// half-open session is left behind.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	cn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	if err = cn.Connect(ctx); err != nil {
		return nil, err
	}
	return cn, nil
}

// Connect drives the connect, login and getAttributes sequence. See the
// package-level Connect function.
func (cn *Connection) Connect(ctx context.Context) error {
	if err := cn.connect(ctx); err != nil {
		return err
	}
	if err := cn.login(ctx); err != nil {
		cn.closeQuietly(ctx)
		return err
	}
	// The login response may omit the session attributes; request them
	// explicitly so date/time formats and timezone are always populated.
	if err := cn.getAttributes(ctx); err != nil {
		cn.closeQuietly(ctx)
		return err
	}
	return nil
}

func (cn *Connection) connect(ctx context.Context) error {
	if cn.Status() != StatusClosed {
		return fmt.Errorf("exaws: connection is already connected")
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cn.uri, nil)
	if err != nil {
		return fmt.Errorf("exaws: connect to %s: %w", cn.uri, err)
	}
	cn.ws = ws
	cn.setStatus(StatusWSConnected)
	return nil
}

// login performs the two-phase handshake. With password credentials the
// first phase retrieves the server's public key and the second sends the
// RSA-encrypted password; with a token only the loginToken phases run.
// When compression was requested, both framing directions switch to
// deflate after, and only after, the handshake succeeds.
func (cn *Connection) login(ctx context.Context) error {
	switch cn.Status() {
	case StatusWSConnected:
	case StatusClosed:
		return fmt.Errorf("exaws: connection is closed")
	default:
		return fmt.Errorf("exaws: connection is logged in")
	}

	auth := authRequest{
		DriverName:       DriverName + " " + DriverVersion,
		ClientName:       cn.cfg.ClientName,
		ClientVersion:    DriverVersion,
		ClientOs:         goruntime.GOOS + "/" + goruntime.GOARCH,
		ClientOsUsername: osUsername(),
		ClientRuntime:    goruntime.Version(),
		UseCompression:   !cn.cfg.DisableCompression,
		Attributes:       cn.loginAttributes(),
	}

	if cn.cfg.AccessToken != "" || cn.cfg.RefreshToken != "" {
		if _, err := cn.request(ctx, loginCommand{cmdLoginToken, ProtocolVersion}); err != nil {
			return err
		}
		auth.AccessToken = cn.cfg.AccessToken
		if auth.AccessToken == "" {
			auth.RefreshToken = cn.cfg.RefreshToken
		}
	} else {
		resp, err := cn.request(ctx, loginCommand{cmdLogin, ProtocolVersion})
		if err != nil {
			return err
		}
		var loginData loginResponseData
		if err = decodeJSON(resp.ResponseData, &loginData); err != nil {
			return protocolErrorf(err, "invalid login response data")
		}
		auth.Username = cn.cfg.User
		auth.Password, err = encryptPassword(cn.password, loginData.PublicKeyPem)
		if err != nil {
			return err
		}
		clear(cn.password)
		cn.password = nil
	}

	if _, err := cn.request(ctx, auth); err != nil {
		return err
	}

	if !cn.cfg.DisableCompression {
		cn.mode = frameDeflate
	}
	cn.mu.Lock()
	cn.dateFormat = CanonicalDateFormat
	cn.status = StatusConnected
	cn.mu.Unlock()
	return nil
}

func (cn *Connection) loginAttributes() loginAttributes {
	return loginAttributes{
		CurrentSchema:               cn.cfg.Schema,
		Autocommit:                  !cn.cfg.DisableAutocommit,
		QueryTimeout:                cn.cfg.QueryTimeout.seconds(),
		DateFormat:                  CanonicalDateFormat,
		SnapshotTransactionsEnabled: cn.cfg.SnapshotTransactions,
	}
}

func (cn *Connection) getAttributes(ctx context.Context) error {
	_, err := cn.request(ctx, command{cmdGetAttributes})
	return err
}

// encryptPassword encrypts the password with the server-provided PEM
// public key using PKCS#1 v1.5 padding and base64-encodes the ciphertext.
func encryptPassword(password []byte, publicKeyPem string) (string, error) {
	block, _ := pem.Decode([]byte(publicKeyPem))
	if block == nil {
		return "", protocolErrorf(nil, "invalid public key PEM")
	}
	pubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// some server versions send the key in PKIX form
		parsed, pkixErr := x509.ParsePKIXPublicKey(block.Bytes)
		if pkixErr != nil {
			return "", protocolErrorf(err, "invalid public key")
		}
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return "", protocolErrorf(nil, "public key is not RSA")
		}
		pubKey = rsaKey
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pubKey, password)
	if err != nil {
		return "", fmt.Errorf("exaws: password encryption failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func osUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// request sends one JSON-encoded command and receives exactly one
// response. The request mutex enforces the single-request-in-flight
// discipline the protocol requires.
func (cn *Connection) request(ctx context.Context, payload any) (*response, error) {
	cn.reqMu.Lock()
	defer cn.reqMu.Unlock()

	ws := cn.ws
	if ws == nil {
		return nil, fmt.Errorf("exaws: connection is closed")
	}

	var deadline time.Time
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err = cn.mode.send(ws, body); err != nil {
		return nil, err
	}
	raw, err := cn.mode.receive(ws)
	if err != nil {
		return nil, err
	}
	return cn.handleResponse(raw)
}

// handleResponse decodes and validates the response envelope. Session
// attributes are applied whenever present, regardless of status.
func (cn *Connection) handleResponse(raw []byte) (*response, error) {
	var resp response
	if err := decodeJSON(raw, &resp); err != nil {
		return nil, protocolErrorf(err, "invalid json")
	}

	if resp.Attributes != nil {
		cn.applyAttributes(resp.Attributes)
	}

	switch resp.Status {
	case statusOK:
		return &resp, nil
	case statusError:
		exc := resp.Exception
		if exc == nil || exc.SQLCode == nil || exc.Text == nil {
			return nil, protocolErrorf(nil, "invalid or missing exception data")
		}
		return nil, &ServerError{SQLCode: *exc.SQLCode, Message: *exc.Text}
	case "":
		return nil, protocolErrorf(nil, "missing response status")
	default:
		return nil, protocolErrorf(nil, "invalid response status %q", resp.Status)
	}
}

func (cn *Connection) applyAttributes(attrs *Attributes) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if attrs.DateFormat != nil {
		cn.dateFormat = *attrs.DateFormat
	}
	if attrs.DatetimeFormat != nil {
		cn.datetimeFormat = *attrs.DatetimeFormat
	}
	if attrs.Timezone != nil {
		// unresolvable names leave the timezone unset, not an error
		cn.tz = resolveTimezone(*attrs.Timezone)
	}
	if attrs.Autocommit != nil {
		cn.autocommit = *attrs.Autocommit
	}
}

// Execute runs a SQL statement and returns its Result. Values are
// converted according to the column metadata and session formats.
func (cn *Connection) Execute(ctx context.Context, sql string) (*Result, error) {
	return cn.execute(ctx, sql, false)
}

// ExecuteRaw runs a SQL statement without value conversion: rows are still
// de-interleaved from column-major to row-major, but values pass through
// as they appear on the wire.
func (cn *Connection) ExecuteRaw(ctx context.Context, sql string) (*Result, error) {
	return cn.execute(ctx, sql, true)
}

func (cn *Connection) execute(ctx context.Context, sql string, raw bool) (*Result, error) {
	resp, err := cn.request(ctx, executeCommand{cmdExecute, sql})
	if err != nil {
		return nil, err
	}
	var data executeResponseData
	if err = decodeJSON(resp.ResponseData, &data); err != nil {
		return nil, protocolErrorf(err, "invalid execute response data")
	}
	if len(data.Results) == 0 {
		return nil, protocolErrorf(nil, "execute response carries no results")
	}
	return newResult(cn, data.Results[0], raw)
}

// fetch retrieves one page of a server-side result set, starting at the
// given row offset, within the fixed per-round-trip byte budget.
func (cn *Connection) fetch(ctx context.Context, handle, offset int64) (*fetchResponseData, error) {
	resp, err := cn.request(ctx, fetchCommand{
		Command:         cmdFetch,
		ResultSetHandle: handle,
		StartPosition:   offset,
		NumBytes:        FetchByteBudget,
	})
	if err != nil {
		return nil, err
	}
	var data fetchResponseData
	if err = decodeJSON(resp.ResponseData, &data); err != nil {
		return nil, protocolErrorf(err, "invalid fetch response data")
	}
	return &data, nil
}

func (cn *Connection) closeResult(ctx context.Context, handle int64) error {
	return cn.closeResults(ctx, []int64{handle})
}

// closeResults releases server-side result handles. Closing a handle on a
// session that is no longer connected is meaningless, not an error.
func (cn *Connection) closeResults(ctx context.Context, handles []int64) error {
	if cn.Status() != StatusConnected {
		return nil
	}
	_, err := cn.request(ctx, closeResultSetCommand{cmdCloseResultSet, handles})
	return err
}

// Close closes the connection. It can be called multiple times and from
// any state; a connected session first sends a best-effort disconnect,
// whose failure is swallowed because the transport is being torn down
// regardless.
func (cn *Connection) Close(ctx context.Context) error {
	if cn.Status() == StatusConnected {
		cn.setStatus(StatusDisconnecting)
		if _, err := cn.request(ctx, command{cmdDisconnect}); err != nil {
			log.Debug().Err(err).Msg("disconnect failed during close")
		}
	}
	cn.setStatus(StatusClosing)
	// The transport fields are read by request under reqMu, so the
	// teardown takes the same lock. Reverting the framing mode here keeps
	// a later reconnect on the plain pre-login framing.
	cn.reqMu.Lock()
	ws := cn.ws
	cn.ws = nil
	cn.mode = framePlain
	cn.reqMu.Unlock()
	if ws != nil {
		if err := ws.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close websocket")
		}
	}
	cn.setStatus(StatusClosed)
	return nil
}

// closeQuietly is the cleanup path of a failed connect sequence.
func (cn *Connection) closeQuietly(ctx context.Context) {
	if err := cn.Close(ctx); err != nil {
		log.Debug().Err(err).Msg("close after failed connect")
	}
}

// --- Session state accessors ---

// Status returns the current lifecycle state of the connection.
func (cn *Connection) Status() ConnStatus {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return cn.status
}

func (cn *Connection) setStatus(status ConnStatus) {
	cn.mu.Lock()
	cn.status = status
	cn.mu.Unlock()
}

// Autocommit indicates if autocommit is enabled. The server may override
// the configured value via response attributes.
func (cn *Connection) Autocommit() bool {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return cn.autocommit
}

// DateFormat returns the session NLS date format.
func (cn *Connection) DateFormat() string {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return cn.dateFormat
}

// DatetimeFormat returns the session NLS timestamp format.
func (cn *Connection) DatetimeFormat() string {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return cn.datetimeFormat
}

// Timezone returns the session timezone, or nil when the server-reported
// name could not be resolved.
func (cn *Connection) Timezone() *time.Location {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return cn.tz
}

// Schema returns the configured schema.
func (cn *Connection) Schema() string {
	return cn.cfg.Schema
}

// formats snapshots the conversion-relevant session state for a Result.
func (cn *Connection) formats() sessionFormats {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return sessionFormats{
		dateFormat:     cn.dateFormat,
		datetimeFormat: cn.datetimeFormat,
		tz:             cn.tz,
	}
}

// --- Open handle accounting ---

// trackHandle and untrackHandle keep a count of unreleased server-side
// result handles. Results must be closed on every exit path; the test
// suite uses this count as a leak detector.
func (cn *Connection) trackHandle() {
	cn.mu.Lock()
	cn.openResults++
	cn.mu.Unlock()
}

func (cn *Connection) untrackHandle() {
	cn.mu.Lock()
	cn.openResults--
	cn.mu.Unlock()
}

// OpenHandles reports the number of server-side result handles this
// session has opened and not yet released. Useful as a leak detector.
func (cn *Connection) OpenHandles() int {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return cn.openResults
}
