package exaws_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exaws "github.com/blenq/exaws"
	"github.com/blenq/exaws/exawstest"
)

func newServer(t *testing.T) *exawstest.MockExasolServer {
	t.Helper()
	server, err := exawstest.NewMockExasolServer()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	server.Username = "sys"
	server.Password = "exasol"
	return server
}

func connect(t *testing.T, server *exawstest.MockExasolServer) *exaws.Connection {
	t.Helper()
	cn, err := exaws.Connect(context.Background(), server.Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cn.Close(context.Background()) })
	return cn
}

func strPtr(s string) *string { return &s }

// --- Segment 1: Lifecycle ---

func TestConnection_Lifecycle(t *testing.T) {
	server := newServer(t)
	ctx := context.Background()

	cn := connect(t, server)
	assert.Equal(t, exaws.StatusConnected, cn.Status())
	assert.Equal(t, exaws.CanonicalDateFormat, cn.DateFormat())
	assert.True(t, cn.Autocommit())

	t.Run("connect twice is a usage error", func(t *testing.T) {
		err := cn.Connect(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")
		// the failed call must not disturb the live session
		assert.Equal(t, exaws.StatusConnected, cn.Status())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		require.NoError(t, cn.Close(ctx))
		assert.Equal(t, exaws.StatusClosed, cn.Status())
		require.NoError(t, cn.Close(ctx))
		require.NoError(t, cn.Close(ctx))
		assert.Equal(t, exaws.StatusClosed, cn.Status())
	})

	t.Run("execute after close fails", func(t *testing.T) {
		_, err := cn.Execute(ctx, "SELECT 1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})
}

func TestConnection_Reconnect(t *testing.T) {
	server := newServer(t)
	server.AccessToken = "secret-token"
	server.AddQuery(&exawstest.MockQueryTemplate{SQL: "DELETE FROM T", RowCount: 2})
	ctx := context.Background()

	// The password is wiped after its one encryption use, so only token
	// sessions can reconnect.
	cfg := server.Config()
	cfg.User = ""
	cfg.Password = ""
	cfg.AccessToken = "secret-token"

	cn, err := exaws.Connect(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, cn.Close(ctx))

	// Closing must revert the framing to plain: the second login exchange
	// happens before compression is negotiated again.
	require.NoError(t, cn.Connect(ctx))
	defer cn.Close(ctx)
	assert.Equal(t, exaws.StatusConnected, cn.Status())

	res, err := cn.Execute(ctx, "DELETE FROM T")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount())
}

func TestConnection_CloseWhileExecuting(t *testing.T) {
	server := newServer(t)
	server.AddQuery(&exawstest.MockQueryTemplate{SQL: "SELECT 1", RowCount: 1})
	cn := connect(t, server)
	ctx := context.Background()

	// Close may run while another goroutine is issuing requests; the
	// in-flight request either completes or fails, but nothing may race
	// on the shared transport.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := cn.Execute(ctx, "SELECT 1"); err != nil {
				return
			}
		}
	}()

	require.NoError(t, cn.Close(ctx))
	<-done
	assert.Equal(t, exaws.StatusClosed, cn.Status())

	_, err := cn.Execute(ctx, "SELECT 1")
	require.Error(t, err)
}

func TestConnection_MissingHost(t *testing.T) {
	t.Setenv(exaws.EnvHost, "")
	_, err := exaws.Connect(context.Background(), exaws.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing host")
}

// --- Segment 2: Authentication ---

func TestConnection_WrongCredentials(t *testing.T) {
	server := newServer(t)

	cfg := server.Config()
	cfg.Password = "letmein"
	_, err := exaws.Connect(context.Background(), cfg)
	require.Error(t, err)

	var serverErr *exaws.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "08004", serverErr.SQLCode)
	assert.Contains(t, serverErr.Message, "authentication failed")
}

func TestConnection_TokenLogin(t *testing.T) {
	server := newServer(t)
	server.AccessToken = "secret-token"

	t.Run("valid token", func(t *testing.T) {
		cfg := server.Config()
		cfg.User = ""
		cfg.Password = ""
		cfg.AccessToken = "secret-token"

		cn, err := exaws.Connect(context.Background(), cfg)
		require.NoError(t, err)
		defer cn.Close(context.Background())
		assert.Equal(t, exaws.StatusConnected, cn.Status())
	})

	t.Run("invalid token", func(t *testing.T) {
		cfg := server.Config()
		cfg.AccessToken = "forged"

		_, err := exaws.Connect(context.Background(), cfg)
		var serverErr *exaws.ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, "08004", serverErr.SQLCode)
	})
}

// --- Segment 3: Framing ---

func TestConnection_Compression(t *testing.T) {
	rows := [][]any{{"a"}, {"b"}, {"c"}}
	template := &exawstest.MockQueryTemplate{
		SQL:     "SELECT V FROM T",
		Columns: []exaws.Column{{Name: "V", DataType: exaws.DataType{Type: "VARCHAR", Size: 10}}},
		Data:    rows,
	}

	run := func(t *testing.T, disable bool) {
		server := newServer(t)
		server.AddQuery(template)

		cfg := server.Config()
		cfg.DisableCompression = disable
		cn, err := exaws.Connect(context.Background(), cfg)
		require.NoError(t, err)
		defer cn.Close(context.Background())

		res, err := cn.Execute(context.Background(), "SELECT V FROM T")
		require.NoError(t, err)
		got, err := res.FetchAll(context.Background())
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, exaws.Row{"a"}, got[0])
		assert.Equal(t, exaws.Row{"c"}, got[2])
	}

	t.Run("deflate framing", func(t *testing.T) { run(t, false) })
	t.Run("plain framing", func(t *testing.T) { run(t, true) })
}

// --- Segment 4: Session Attributes ---

func TestConnection_Attributes(t *testing.T) {
	server := newServer(t)
	server.Attributes = exaws.Attributes{
		DatetimeFormat: strPtr("YYYY-MM-DD HH24:MI:SS.FF6"),
		Timezone:       strPtr("Europe/Berlin"),
	}

	cn := connect(t, server)
	assert.Equal(t, "YYYY-MM-DD HH24:MI:SS.FF6", cn.DatetimeFormat())
	require.NotNil(t, cn.Timezone())
	assert.Equal(t, "Europe/Berlin", cn.Timezone().String())
}

func TestConnection_UnknownTimezone(t *testing.T) {
	server := newServer(t)
	server.Attributes = exaws.Attributes{
		Timezone: strPtr("Atlantis/Lost_City"),
	}

	// an unresolvable timezone name is tolerated, not an error
	cn := connect(t, server)
	assert.Nil(t, cn.Timezone())
}

// --- Segment 5: Malformed Responses ---

func TestConnection_MalformedResponses(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		reason  string
	}{
		{"not json", `<html>boom</html>`, "invalid json"},
		{"missing status", `{"responseData":{}}`, "missing response status"},
		{"invalid status", `{"status":"warning"}`, `invalid response status "warning"`},
		{"error without exception", `{"status":"error"}`, "invalid or missing exception data"},
		{"exception missing text", `{"status":"error","exception":{"sqlCode":"42000"}}`, "invalid or missing exception data"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newServer(t)
			cn := connect(t, server)

			server.MutateResponse = func([]byte) []byte { return []byte(tc.payload) }
			_, err := cn.Execute(context.Background(), "SELECT 1")
			server.MutateResponse = nil

			var protoErr *exaws.ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Contains(t, err.Error(), tc.reason)
			assert.False(t, errors.Is(err, context.Canceled))
		})
	}
}
