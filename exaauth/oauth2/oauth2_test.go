package oauth2_test

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exaws "github.com/blenq/exaws"
	exaoauth2 "github.com/blenq/exaws/exaauth/oauth2"
	"github.com/blenq/exaws/exawstest"
)

func newTokenServer(t *testing.T) *exawstest.MockExasolServer {
	t.Helper()
	server, err := exawstest.NewMockExasolServer()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func TestNewConnectorOption_Validation(t *testing.T) {
	cases := map[string]exaoauth2.Config{
		"missing client id":     {ClientSecret: "s", TokenURL: "http://idp"},
		"missing client secret": {ClientID: "c", TokenURL: "http://idp"},
		"missing token url":     {ClientID: "c", ClientSecret: "s"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := exaoauth2.NewConnectorOption(cfg)
			assert.Error(t, err)
		})
	}
}

func TestStaticToken(t *testing.T) {
	server := newTokenServer(t)
	server.AccessToken = "static-secret"

	connector, err := exaws.NewConnector(server.DSN(),
		exaoauth2.NewStaticTokenOption("static-secret"))
	require.NoError(t, err)

	db := sql.OpenDB(connector)
	defer db.Close()
	require.NoError(t, db.Ping())
}

func TestClientCredentials(t *testing.T) {
	server := newTokenServer(t)
	server.AccessToken = "cc-token"

	var tokenRequests int
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"cc-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer idp.Close()

	dsn := server.DSN() +
		"?oauth2_client_id=app&oauth2_client_secret=hunter2&oauth2_token_url=" +
		url.QueryEscape(idp.URL+"/token")

	connector, err := exaoauth2.NewConnector(dsn)
	require.NoError(t, err)

	db := sql.OpenDB(connector)
	defer db.Close()
	require.NoError(t, db.Ping())
	assert.Equal(t, 1, tokenRequests)
}

func TestNewConnector_WithoutOAuth2Params(t *testing.T) {
	server := newTokenServer(t)
	server.Username = "sys"
	server.Password = "exasol"

	// a DSN without OAuth2 parameters falls through to password auth
	connector, err := exaoauth2.NewConnector(server.DSN())
	require.NoError(t, err)

	db := sql.OpenDB(connector)
	defer db.Close()
	require.NoError(t, db.Ping())
}
