package playback

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type System interface {
	UpdatePlaybackState(update Update) error
	RefreshCurrentPlayback() error
	GetActivePlayback() ([]FullPlaybackEntry, error)
	DeactivateBySource(source string) error
	GetHistory(limit int) ([]FullPlaybackEntry, error)
}

type Status string

const (
	StatusPlaying   Status = "playing"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusBuffering Status = "buffering"
)

const SourcePlex = "plex"

// SerializedColours stores a string slice as a comma separated value in the
// database. Example input: []string{"#020304", "#6581be"}
type SerializedColours []string

func (s SerializedColours) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

func (s *SerializedColours) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = SerializedColours(strings.Split(v, ","))
	default:
		return errors.New("incompatible type for SerializedColours")
	}
	return nil
}

// MediaItem stores metadata about each piece of media seen playing. One row
// per item regardless of how many times it is played.
type MediaItem struct {
	ID              string            `db:"id"`
	Title           string            `db:"title"`
	Subtitle        string            `db:"subtitle"`
	Category        string            `db:"category"`
	Duration        int64             `db:"duration"`
	Source          string            `db:"source"`
	Image           string            `db:"image"`
	DominantColours SerializedColours `db:"dominant_colours"`
}

// PlaybackEntry is a unique instance of a piece of media being played. An
// entry may be revived, such as when an episode is paused and picked up
// again later, but once superseded it stays inactive.
type PlaybackEntry struct {
	ID        int       `db:"id"`
	MediaID   string    `db:"media_id"`
	Category  string    `db:"category"`
	CreatedAt time.Time `db:"created_at"`
	Elapsed   int64     `db:"elapsed"` // milliseconds
	Status    Status    `db:"status"`
	IsActive  bool      `db:"is_active"`
	UpdatedAt time.Time `db:"updated_at"`
	Source    string    `db:"source"`
}

// FullPlaybackEntry joins a PlaybackEntry with its MediaItem metadata for
// clients that render full playback info.
type FullPlaybackEntry struct {
	// MediaItem fields
	ID              string            `db:"id" json:"id"`
	Title           string            `db:"title" json:"title"`
	Subtitle        string            `db:"subtitle" json:"subtitle"`
	Category        string            `db:"category" json:"category"`
	Duration        int64             `db:"duration" json:"duration_ms"`
	Source          string            `db:"source" json:"source"`
	Image           string            `db:"image" json:"image"`
	DominantColours SerializedColours `db:"dominant_colours" json:"dominant_colours"`

	// PlaybackEntry fields
	PlaybackID int       `db:"playback_id" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Elapsed    int64     `db:"elapsed" json:"elapsed_ms"`
	Status     Status    `db:"status" json:"status"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

type Update struct {
	MediaItem MediaItem
	Elapsed   time.Duration
	Status    Status
}

// GenerateMediaID derives a deterministic ID from the fields that make a
// media item distinct, so replays map onto the same row.
func GenerateMediaID(p *Update) string {
	hashString := fmt.Sprintf("%s-%s-%s-%d-%s",
		p.MediaItem.Title,
		p.MediaItem.Subtitle,
		p.MediaItem.Category,
		p.MediaItem.Duration,
		p.MediaItem.Source,
	)
	return fmt.Sprintf(
		"%s:%s:%d",
		p.MediaItem.Source,
		p.MediaItem.Category,
		xxhash.Sum64String(hashString),
	)
}
