package plex

import (
	"strconv"
	"strings"
)

// Media kinds as classified from an item. Plex reports live TV under the
// regular episode type, so items under /livetv get their own kind.
const (
	KindMovie       = "movie"
	KindEpisode     = "episode"
	KindLiveEpisode = "live_episode"
	KindTrack       = "track"
	KindClip        = "clip"
)

// Alert is a single notification read off the websocket stream.
type Alert struct {
	Type                         string              `json:"type"`
	PlaySessionStateNotification []StateNotification `json:"PlaySessionStateNotification"`
}

type notificationWrapper struct {
	NotificationContainer Alert `json:"NotificationContainer"`
}

// StateNotification describes a playback state change for one session.
// Keys arrive as strings on the wire even though they are numeric.
type StateNotification struct {
	State      string `json:"state"`
	SessionKey string `json:"sessionKey"`
	RatingKey  string `json:"ratingKey"`
	ViewOffset int64  `json:"viewOffset"`
}

func (n StateNotification) SessionKeyInt() (int, error) {
	return strconv.Atoi(n.SessionKey)
}

func (n StateNotification) RatingKeyInt() (int, error) {
	return strconv.Atoi(n.RatingKey)
}

type itemResponse struct {
	MediaContainer itemContainer `json:"MediaContainer"`
}

type itemContainer struct {
	Size     int    `json:"size"`
	Metadata []Item `json:"Metadata"`
}

// Item is the resolved metadata for a library item.
type Item struct {
	RatingKey            string `json:"ratingKey"`
	Key                  string `json:"key"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	OriginalTitle        string `json:"originalTitle"`
	ParentTitle          string `json:"parentTitle"`
	GrandparentTitle     string `json:"grandparentTitle"`
	ParentRatingKey      string `json:"parentRatingKey"`
	GrandparentRatingKey string `json:"grandparentRatingKey"`
	LibrarySectionTitle  string `json:"librarySectionTitle"`
	Duration             int64  `json:"duration"`
	Year                 int    `json:"year"`
	Index                int    `json:"index"`
	ParentIndex          int    `json:"parentIndex"`
	Thumb                string `json:"thumb"`
	ParentThumb          string `json:"parentThumb"`
	GrandparentThumb     string `json:"grandparentThumb"`
	Genre                []Tag  `json:"Genre"`
	Guid                 []GUID `json:"Guid"`
}

type Tag struct {
	Tag string `json:"tag"`
}

// GUID is an external identifier in namespace form, e.g. imdb://tt0111161.
type GUID struct {
	ID string `json:"id"`
}

func (i Item) MediaKind() string {
	if strings.HasPrefix(i.Key, "/livetv") {
		return KindLiveEpisode
	}
	return i.Type
}

func (i Item) GuidIDs() []string {
	ids := make([]string, 0, len(i.Guid))
	for _, g := range i.Guid {
		ids = append(ids, g.ID)
	}
	return ids
}

func (i Item) GenreTags() []string {
	tags := make([]string, 0, len(i.Genre))
	for _, g := range i.Genre {
		tags = append(tags, g.Tag)
	}
	return tags
}

type sessionResponse struct {
	MediaContainer sessionContainer `json:"MediaContainer"`
}

type sessionContainer struct {
	Size     int               `json:"size"`
	Metadata []sessionMetadata `json:"Metadata"`
}

type sessionMetadata struct {
	SessionKey string      `json:"sessionKey"`
	User       sessionUser `json:"User"`
}

type sessionUser struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// SessionEntry is one active playback session as reported by the server.
type SessionEntry struct {
	SessionKey string
	Username   string
}
