package plex

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/marquee-dev/marquee/utils"
)

const (
	identityEndpoint = "/identity"
	sessionsEndpoint = "/status/sessions"
	metadataEndpoint = "/library/metadata"
)

// Server is a handle on one connected media server.
type Server struct {
	Name       string
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	owned bool
}

// Owned reports whether the signed-in account owns this server. Session
// username filtering is only possible with owner access.
func (s *Server) Owned() bool {
	return s.owned
}

// FetchItem resolves full metadata for a library item by rating key.
func (s *Server) FetchItem(ratingKey int) (Item, error) {
	var response itemResponse
	if err := s.get(fmt.Sprintf("%s/%d", metadataEndpoint, ratingKey), &response); err != nil {
		return Item{}, fmt.Errorf("failed to fetch item %d: %w", ratingKey, err)
	}
	if len(response.MediaContainer.Metadata) == 0 {
		return Item{}, fmt.Errorf("item %d not found", ratingKey)
	}
	return response.MediaContainer.Metadata[0], nil
}

// Sessions lists the playback sessions currently active on the server.
func (s *Server) Sessions() ([]SessionEntry, error) {
	var response sessionResponse
	if err := s.get(sessionsEndpoint, &response); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	entries := make([]SessionEntry, 0, len(response.MediaContainer.Metadata))
	for _, meta := range response.MediaContainer.Metadata {
		entries = append(entries, SessionEntry{
			SessionKey: meta.SessionKey,
			Username:   meta.User.Title,
		})
	}
	return entries, nil
}

// Probe issues a lightweight request to confirm the server is reachable.
func (s *Server) Probe() error {
	return s.get(identityEndpoint, &struct{}{})
}

// MediaURL builds an absolute, authenticated URL for a server media path
// such as a thumbnail.
func (s *Server) MediaURL(path string) string {
	return fmt.Sprintf("%s%s?X-Plex-Token=%s", s.BaseURL, path, s.Token)
}

func (s *Server) get(endpoint string, out any) error {
	req, err := http.NewRequest("GET", s.BaseURL+endpoint, nil)
	if err != nil {
		return err
	}
	req.Header = http.Header{
		"Accept":       []string{"application/json"},
		"User-Agent":   []string{utils.UserAgent},
		"X-Plex-Token": []string{s.Token},
	}
	res, err := s.HTTPClient.Do(req)
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
