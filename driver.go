package exaws

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	sql.Register("exa", &exaDriver{})
}

// --- DSN Parsing ---

// parseDSN parses an Exasol DSN string into a Config.
//
// Format: exa://[user[:password]@]host[:port][/schema][?key=value&...]
//
// Query params: autocommit (bool), compression (bool), querytimeout
// (duration string, e.g. "30s"), snapshot (bool), clientname,
// access_token, refresh_token.
func parseDSN(dsn string) (Config, error) {
	var cfg Config

	u, err := url.Parse(dsn)
	if err != nil {
		return cfg, fmt.Errorf("exaws: invalid DSN: %w", err)
	}
	if u.Scheme != "exa" {
		return cfg, fmt.Errorf("exaws: unsupported scheme %q: must be exa", u.Scheme)
	}

	if u.User != nil {
		cfg.User = u.User.Username()
		if p, ok := u.User.Password(); ok {
			cfg.Password = p
		}
	}

	cfg.Host = u.Hostname()
	if cfg.Host == "" {
		return cfg, fmt.Errorf("exaws: missing host in DSN")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return cfg, fmt.Errorf("exaws: invalid port %q: %w", p, err)
		}
		cfg.Port = port
	}

	cfg.Schema = strings.TrimPrefix(u.Path, "/")

	for key, values := range u.Query() {
		val := values[0]
		switch key {
		case "autocommit":
			enabled, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, fmt.Errorf("exaws: invalid autocommit value %q", val)
			}
			cfg.DisableAutocommit = !enabled
		case "compression":
			enabled, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, fmt.Errorf("exaws: invalid compression value %q", val)
			}
			cfg.DisableCompression = !enabled
		case "querytimeout":
			if err := cfg.QueryTimeout.UnmarshalText([]byte(val)); err != nil {
				return cfg, fmt.Errorf("exaws: invalid querytimeout value %q: %w", val, err)
			}
		case "snapshot":
			enabled, err := strconv.ParseBool(val)
			if err != nil {
				return cfg, fmt.Errorf("exaws: invalid snapshot value %q", val)
			}
			cfg.SnapshotTransactions = &enabled
		case "clientname":
			cfg.ClientName = val
		case "access_token":
			cfg.AccessToken = val
		case "refresh_token":
			cfg.RefreshToken = val
		default:
			return cfg, fmt.Errorf("exaws: unknown DSN parameter %q", key)
		}
	}

	return cfg, nil
}

// --- Parameter Interpolation ---

// valueToSQL converts a Go driver.Value to a SQL literal string.
func valueToSQL(v driver.Value) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		escaped := strings.ReplaceAll(val, "'", "''")
		return "'" + escaped + "'", nil
	case []byte:
		return "'" + hex.EncodeToString(val) + "'", nil
	case time.Time:
		return "TIMESTAMP '" + val.Format("2006-01-02 15:04:05.000000") + "'", nil
	default:
		return "", fmt.Errorf("exaws: unsupported parameter type: %T", v)
	}
}

// interpolateParams replaces ? placeholders in the statement with SQL
// literals, skipping ? characters inside single-quoted string literals.
// The protocol has no prepared-statement parameters on the execute
// command, so interpolation happens client-side.
func interpolateParams(query string, args []driver.Value) (string, error) {
	if len(args) == 0 {
		return query, nil
	}

	var buf strings.Builder
	buf.Grow(len(query) + len(args)*8)
	argIdx := 0
	inString := false

	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			if inString && i+1 < len(query) && query[i+1] == '\'' {
				buf.WriteString("''")
				i++
				continue
			}
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if ch == '?' && !inString {
			if argIdx >= len(args) {
				return "", fmt.Errorf("exaws: not enough arguments: query has more placeholders than the %d provided arguments", len(args))
			}
			s, err := valueToSQL(args[argIdx])
			if err != nil {
				return "", err
			}
			buf.WriteString(s)
			argIdx++
			continue
		}
		buf.WriteByte(ch)
	}

	if argIdx != len(args) {
		return "", fmt.Errorf("exaws: too many arguments: %d provided but only %d placeholders in query", len(args), argIdx)
	}
	return buf.String(), nil
}

// --- Driver ---

// exaDriver implements driver.Driver and driver.DriverContext.
type exaDriver struct{}

var _ driver.Driver = (*exaDriver)(nil)
var _ driver.DriverContext = (*exaDriver)(nil)

// Open implements driver.Driver.
func (d *exaDriver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *exaDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

// --- Connector ---

// ConnectorOption configures an exaConnector.
type ConnectorOption func(*exaConnector)

// WithConfigSetup registers a hook that is called on the Config of every
// new session the connector opens. This allows external modules (e.g.
// OAuth2 token sources) to inject credentials without modifying the core
// driver.
func WithConfigSetup(fn func(*Config)) ConnectorOption {
	return func(c *exaConnector) {
		c.configSetup = append(c.configSetup, fn)
	}
}

// exaConnector implements driver.Connector. Every Connect call opens its
// own WebSocket session; pooling is left to database/sql.
type exaConnector struct {
	cfg         Config
	configSetup []func(*Config)
}

var _ driver.Connector = (*exaConnector)(nil)

// NewConnector creates a driver.Connector from a DSN string. Use this with
// sql.OpenDB for connection pool management.
func NewConnector(dsn string, opts ...ConnectorOption) (driver.Connector, error) {
	cfg, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewConfigConnector(cfg, opts...), nil
}

// NewConfigConnector creates a driver.Connector directly from a Config.
func NewConfigConnector(cfg Config, opts ...ConnectorOption) driver.Connector {
	c := &exaConnector{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect implements driver.Connector.
func (c *exaConnector) Connect(ctx context.Context) (driver.Conn, error) {
	cfg := c.cfg
	for _, setup := range c.configSetup {
		setup(&cfg)
	}
	cn, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &exaConn{cn: cn}, nil
}

// Driver implements driver.Connector.
func (c *exaConnector) Driver() driver.Driver {
	return &exaDriver{}
}

// --- Connection ---

// exaConn implements driver.Conn, driver.QueryerContext,
// driver.ExecerContext, and driver.ConnBeginTx.
type exaConn struct {
	cn *Connection
}

var _ driver.Conn = (*exaConn)(nil)
var _ driver.QueryerContext = (*exaConn)(nil)
var _ driver.ExecerContext = (*exaConn)(nil)
var _ driver.ConnBeginTx = (*exaConn)(nil)

// Prepare implements driver.Conn.
func (c *exaConn) Prepare(query string) (driver.Stmt, error) {
	return &exaStmt{conn: c, query: query}, nil
}

// Close implements driver.Conn.
func (c *exaConn) Close() error {
	return c.cn.Close(context.Background())
}

// Begin implements driver.Conn. Use BeginTx instead.
func (c *exaConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. Exasol has no explicit BEGIN:
// with autocommit off, the first statement opens a transaction
// implicitly, so BeginTx only validates that autocommit is disabled.
func (c *exaConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.Isolation != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("exaws: isolation level %d is not supported", opts.Isolation)
	}
	if opts.ReadOnly {
		return nil, fmt.Errorf("exaws: read-only transactions are not supported")
	}
	if c.cn.Autocommit() {
		return nil, fmt.Errorf("exaws: transactions require autocommit to be disabled (DSN: autocommit=0)")
	}
	return &exaTx{conn: c}, nil
}

// QueryContext implements driver.QueryerContext.
func (c *exaConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	interpolated, err := interpolateParams(query, namedToPositional(args))
	if err != nil {
		return nil, err
	}
	res, err := c.cn.Execute(ctx, interpolated)
	if err != nil {
		return nil, err
	}
	return &exaRows{res: res, ctx: ctx}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *exaConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	interpolated, err := interpolateParams(query, namedToPositional(args))
	if err != nil {
		return nil, err
	}
	return c.execDirect(ctx, interpolated)
}

// execDirect executes a statement and releases any result set it
// produced, returning only the row count.
func (c *exaConn) execDirect(ctx context.Context, query string) (driver.Result, error) {
	res, err := c.cn.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	rowCount := res.RowCount()
	if res.Type() == ResultTypeResultSet {
		if err := res.Close(ctx); err != nil {
			return nil, err
		}
	}
	return &exaResult{rowCount: rowCount}, nil
}

// namedToPositional converts named values to a positional driver.Value slice.
func namedToPositional(args []driver.NamedValue) []driver.Value {
	positional := make([]driver.Value, len(args))
	for i, arg := range args {
		positional[i] = arg.Value
	}
	return positional
}

// --- Result ---

// exaResult implements driver.Result.
type exaResult struct {
	rowCount int64
}

var _ driver.Result = (*exaResult)(nil)

// LastInsertId implements driver.Result. Exasol does not report insert ids.
func (r *exaResult) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("exaws: LastInsertId is not supported")
}

// RowsAffected implements driver.Result.
func (r *exaResult) RowsAffected() (int64, error) {
	return r.rowCount, nil
}

// --- Rows ---

// exaRows implements driver.Rows along with optional column type
// interfaces, streaming rows from the underlying Result.
type exaRows struct {
	res *Result
	ctx context.Context
}

var _ driver.Rows = (*exaRows)(nil)
var _ driver.RowsColumnTypeDatabaseTypeName = (*exaRows)(nil)
var _ driver.RowsColumnTypePrecisionScale = (*exaRows)(nil)
var _ driver.RowsColumnTypeScanType = (*exaRows)(nil)

// Columns implements driver.Rows.
func (r *exaRows) Columns() []string {
	columns := r.res.Columns()
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	return names
}

// Close implements driver.Rows.
func (r *exaRows) Close() error {
	return r.res.Close(context.Background())
}

// Next implements driver.Rows.
func (r *exaRows) Next(dest []driver.Value) error {
	row, err := r.res.Next(r.ctx)
	if err != nil {
		// io.EOF passes through as the end-of-rows marker
		return err
	}
	for i, val := range row {
		v, err := toDriverValue(val)
		if err != nil {
			return err
		}
		dest[i] = v
	}
	return nil
}

// toDriverValue normalizes a converted result value to one of the types
// driver.Value permits.
func toDriverValue(val any) (driver.Value, error) {
	switch v := val.(type) {
	case nil, bool, string, time.Time, []byte:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		if f, err := v.Float64(); err == nil {
			return f, nil
		}
		return v.String(), nil
	case *big.Int:
		return v.String(), nil
	case decimal.Decimal:
		return v.String(), nil
	case uuid.UUID:
		return v.String(), nil
	default:
		return nil, fmt.Errorf("exaws: unsupported result value type %T", val)
	}
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *exaRows) ColumnTypeDatabaseTypeName(index int) string {
	columns := r.res.Columns()
	if index < 0 || index >= len(columns) {
		return ""
	}
	return columns[index].DataType.Type
}

// ColumnTypePrecisionScale implements driver.RowsColumnTypePrecisionScale.
func (r *exaRows) ColumnTypePrecisionScale(index int) (int64, int64, bool) {
	columns := r.res.Columns()
	if index < 0 || index >= len(columns) {
		return 0, 0, false
	}
	dt := columns[index].DataType
	if dt.Type != "DECIMAL" {
		return 0, 0, false
	}
	return dt.Precision, dt.Scale, true
}

// ColumnTypeScanType implements driver.RowsColumnTypeScanType.
func (r *exaRows) ColumnTypeScanType(index int) reflect.Type {
	columns := r.res.Columns()
	if index < 0 || index >= len(columns) {
		return reflect.TypeOf("")
	}
	dt := columns[index].DataType
	switch dt.Type {
	case "DECIMAL":
		if dt.Scale == 0 && dt.Precision < 19 {
			return reflect.TypeOf(int64(0))
		}
		return reflect.TypeOf("")
	case "DOUBLE":
		return reflect.TypeOf(float64(0))
	case "BOOLEAN":
		return reflect.TypeOf(false)
	case "DATE", "TIMESTAMP", "TIMESTAMP WITH LOCAL TIME ZONE":
		return reflect.TypeOf(time.Time{})
	case "HASHTYPE":
		return reflect.TypeOf([]byte(nil))
	default:
		return reflect.TypeOf("")
	}
}

// --- Statement ---

// exaStmt implements driver.Stmt, driver.StmtQueryContext, and
// driver.StmtExecContext.
type exaStmt struct {
	conn  *exaConn
	query string
}

var _ driver.Stmt = (*exaStmt)(nil)
var _ driver.StmtQueryContext = (*exaStmt)(nil)
var _ driver.StmtExecContext = (*exaStmt)(nil)

// Close implements driver.Stmt.
func (s *exaStmt) Close() error {
	return nil
}

// NumInput implements driver.Stmt. Returns -1 to disable driver-side
// validation.
func (s *exaStmt) NumInput() int {
	return -1
}

// Exec implements driver.Stmt.
func (s *exaStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query implements driver.Stmt.
func (s *exaStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext implements driver.StmtExecContext.
func (s *exaStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

// QueryContext implements driver.StmtQueryContext.
func (s *exaStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

// namedValues converts positional args to a NamedValue slice.
func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Transaction ---

// exaTx implements driver.Tx.
type exaTx struct {
	conn *exaConn
}

var _ driver.Tx = (*exaTx)(nil)

// Commit implements driver.Tx.
func (tx *exaTx) Commit() error {
	_, err := tx.conn.execDirect(context.Background(), "COMMIT")
	return err
}

// Rollback implements driver.Tx.
func (tx *exaTx) Rollback() error {
	_, err := tx.conn.execDirect(context.Background(), "ROLLBACK")
	return err
}
