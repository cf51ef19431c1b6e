package plex

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func serveFixture(t *testing.T, w http.ResponseWriter, name string) {
	t.Helper()
	fixture, err := filepath.Abs(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(fixture)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	io.Copy(w, f)
}

func TestSignIn(t *testing.T) {
	t.Parallel()
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Plex-Token") != "abc123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/v2/user":
			fmt.Fprint(w, `{"username": "sparrow"}`)
		case "/api/v2/resources":
			serveFixture(t, w, "resources.json")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewClient("abc123")
	c.BaseURL = ts.URL
	c.HTTPClient = ts.Client()

	account, err := c.SignIn()
	if err != nil {
		t.Fatal(err)
	}
	if account.Username != "sparrow" {
		t.Errorf("expected username sparrow, got %s", account.Username)
	}

	want := []Resource{
		{
			Name:        "Halcyon",
			Product:     "Plex Media Server",
			Owned:       true,
			AccessToken: "server-token",
			Connections: []Connection{
				{URI: "https://10-0-0-2.example.plex.direct:32400", Local: true},
			},
		},
		{
			Name:    "Halcyon",
			Product: "Plex for Apple TV",
			Owned:   true,
		},
	}
	if !cmp.Equal(want, account.Resources, cmpopts.IgnoreUnexported(Resource{})) {
		t.Error(cmp.Diff(want, account.Resources, cmpopts.IgnoreUnexported(Resource{})))
	}
}

func TestSignIn_BadToken(t *testing.T) {
	t.Parallel()
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := NewClient("nope")
	c.BaseURL = ts.URL
	c.HTTPClient = ts.Client()

	if _, err := c.SignIn(); err == nil {
		t.Fatal("expected sign in to fail")
	}
}

func TestFindServer_CaseInsensitive(t *testing.T) {
	t.Parallel()
	account := &Account{
		Resources: []Resource{
			{Name: "Halcyon", Product: "Plex for Apple TV"},
			{Name: "Halcyon", Product: productName},
		},
	}

	r, err := account.FindServer("hAlCyOn")
	if err != nil {
		t.Fatal(err)
	}
	if r.Product != productName {
		t.Errorf("matched the wrong resource: %s", r.Product)
	}

	if _, err := account.FindServer("Elsewhere"); err == nil {
		t.Error("expected lookup of unknown server to fail")
	}
}

func TestConnect_TriesConnectionsInOrder(t *testing.T) {
	t.Parallel()
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"machineIdentifier": "abc"}`)
	}))
	defer ts.Close()

	c := NewClient("abc123")
	c.HTTPClient = ts.Client()

	r := Resource{
		Name:        "Halcyon",
		Product:     productName,
		Owned:       true,
		AccessToken: "server-token",
		Connections: []Connection{
			{URI: "https://127.0.0.1:1"}, // unreachable, should be skipped
			{URI: ts.URL},
		},
		client: c,
	}

	server, err := r.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if server.BaseURL != ts.URL {
		t.Errorf("expected fallback to %s, got %s", ts.URL, server.BaseURL)
	}
	if server.Token != "server-token" {
		t.Errorf("expected the resource access token to win, got %s", server.Token)
	}
	if !server.Owned() {
		t.Error("expected server to be marked as owned")
	}
}

func TestConnect_NoConnections(t *testing.T) {
	t.Parallel()
	r := Resource{Name: "Halcyon", Product: productName, client: NewClient("abc123")}
	if _, err := r.Connect(); err == nil {
		t.Fatal("expected connect to fail with no connections")
	}
}
