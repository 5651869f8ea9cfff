package exaws

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Defaults for connection configuration.
const (
	DefaultPort       = 8563
	DefaultClientName = "exaws"
)

// Environment variables consulted when the corresponding Config field is
// left empty.
const (
	EnvHost     = "EXAHOST"
	EnvPort     = "EXAPORT"
	EnvUser     = "EXAUSER"
	EnvPassword = "EXAPASSWORD"
)

// Duration wraps time.Duration with text and JSON unmarshaling that accepts
// human-readable strings like "90s" or "1h30m" (including day units, e.g.
// "1d12h") as well as plain numbers, which are interpreted as seconds.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		// Seconds
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		return d.UnmarshalText([]byte(value))
	default:
		return fmt.Errorf("invalid duration")
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := str2duration.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// seconds returns the duration rounded down to whole seconds, which is the
// granularity of the protocol's queryTimeout attribute.
func (d Duration) seconds() int64 {
	return int64(d.Duration / time.Second)
}

// Config holds the settings for a Connection. The zero value is usable as
// long as host and credentials are resolvable from the environment.
type Config struct {
	// Host is the database host. Falls back to $EXAHOST.
	Host string

	// Port is the database port. Falls back to $EXAPORT, then 8563.
	Port int

	// User is the login name. Falls back to $EXAUSER. Ignored when a token
	// is set.
	User string

	// Password is the login password. Falls back to $EXAPASSWORD. It is
	// only ever sent RSA-encrypted and is not retained by the Connection
	// after login.
	Password string

	// AccessToken enables token login (the loginToken command) instead of
	// the password handshake.
	AccessToken string

	// RefreshToken enables token login with a refresh token. Ignored when
	// AccessToken is set.
	RefreshToken string

	// Schema is the schema to open the session in.
	Schema string

	// DisableAutocommit starts the session with autocommit off. The server
	// may still override the setting via response attributes.
	DisableAutocommit bool

	// DisableCompression keeps all frames uncompressed. By default the
	// client requests compression at login and switches both directions to
	// deflate framing once login succeeds.
	DisableCompression bool

	// QueryTimeout is forwarded as the queryTimeout session attribute,
	// rounded down to whole seconds. Zero means no timeout.
	QueryTimeout Duration

	// SnapshotTransactions, when non-nil, is forwarded as the
	// snapshotTransactionsEnabled login attribute.
	SnapshotTransactions *bool

	// ClientName overrides the client name reported at login.
	ClientName string
}

// fromEnv returns val if non-empty, otherwise the environment variable.
func fromEnv(val, envName string) string {
	if val != "" {
		return val
	}
	return os.Getenv(envName)
}

// withDefaults resolves environment fallbacks and validates the config.
// The receiver is not modified.
func (c Config) withDefaults() (Config, error) {
	c.Host = fromEnv(c.Host, EnvHost)
	if c.Host == "" {
		return c, fmt.Errorf("exaws: missing host")
	}
	if c.Port == 0 {
		if env := os.Getenv(EnvPort); env != "" {
			port, err := strconv.Atoi(env)
			if err != nil {
				return c, fmt.Errorf("exaws: invalid %s value %q: %w", EnvPort, env, err)
			}
			c.Port = port
		} else {
			c.Port = DefaultPort
		}
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		c.User = fromEnv(c.User, EnvUser)
		c.Password = fromEnv(c.Password, EnvPassword)
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	return c, nil
}

// url returns the WebSocket endpoint URI for the config.
func (c Config) url() string {
	return fmt.Sprintf("ws://%s:%d", c.Host, c.Port)
}
