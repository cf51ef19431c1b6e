// Package plex is a minimal client for plex.tv account discovery, server
// requests and the real-time notification stream.
package plex

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/marquee-dev/marquee/utils"
)

const (
	plexTVBaseURL = "https://plex.tv"
	productName   = "Plex Media Server"
)

type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    plexTVBaseURL,
		HTTPClient: utils.NewHTTPClient(),
	}
}

// Account is the signed-in plex.tv account and the resources it can reach.
type Account struct {
	Username  string
	Resources []Resource

	client *Client
}

type Resource struct {
	Name        string       `json:"name"`
	Product     string       `json:"product"`
	Owned       bool         `json:"owned"`
	AccessToken string       `json:"accessToken"`
	Connections []Connection `json:"connections"`

	client *Client
}

type Connection struct {
	URI   string `json:"uri"`
	Local bool   `json:"local"`
}

type userResponse struct {
	Username string `json:"username"`
}

// SignIn validates the token against plex.tv and enumerates the account's
// server resources.
func (c *Client) SignIn() (*Account, error) {
	var user userResponse
	if err := c.get(c.BaseURL+"/api/v2/user", &user); err != nil {
		return nil, fmt.Errorf("failed to sign into plex.tv: %w", err)
	}

	var resources []Resource
	if err := c.get(c.BaseURL+"/api/v2/resources?includeHttps=1", &resources); err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	for i := range resources {
		resources[i].client = c
	}

	return &Account{
		Username:  user.Username,
		Resources: resources,
		client:    c,
	}, nil
}

// FindServer locates the media server resource with the given name,
// compared case-insensitively.
func (a *Account) FindServer(name string) (*Resource, error) {
	for i := range a.Resources {
		r := &a.Resources[i]
		if r.Product == productName && strings.EqualFold(r.Name, name) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("server '%s' not found", name)
}

// Connect tries the resource's advertised connection URIs in order and
// returns a handle on the first one that answers an identity probe.
func (r *Resource) Connect() (*Server, error) {
	token := r.AccessToken
	if token == "" {
		token = r.client.Token
	}
	var lastErr error
	for _, conn := range r.Connections {
		server := &Server{
			Name:       r.Name,
			BaseURL:    conn.URI,
			Token:      token,
			HTTPClient: r.client.HTTPClient,
			owned:      r.Owned,
		}
		if err := server.Probe(); err != nil {
			lastErr = err
			continue
		}
		return server, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("resource has no connections")
	}
	return nil, fmt.Errorf("failed to connect to '%s': %w", r.Name, lastErr)
}

func (c *Client) get(endpoint string, out any) error {
	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return err
	}
	req.Header = http.Header{
		"Accept":                   []string{"application/json"},
		"User-Agent":               []string{utils.UserAgent},
		"X-Plex-Token":             []string{c.Token},
		"X-Plex-Client-Identifier": []string{"marquee"},
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
