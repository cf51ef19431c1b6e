package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

// ProgressMode controls how playback progress is surfaced in presence.
// "elapsed" sets only a start timestamp, "remaining" only an end timestamp,
// "bar" sets both and anything else sets neither.
const (
	ProgressModeElapsed   = "elapsed"
	ProgressModeRemaining = "remaining"
	ProgressModeBar       = "bar"
)

type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	Plex     PlexConfig
	Discord  DiscordConfig
	TMDB     TMDBConfig
	Pushover PushoverConfig
	API      APIConfig
	Servers  []Server `yaml:"servers"`
}

type PlexConfig struct {
	Token string `yaml:"token" env:"PLEX_TOKEN"`
}

type DiscordConfig struct {
	ClientID string `yaml:"client_id" env:"DISCORD_CLIENT_ID"`
}

type TMDBConfig struct {
	APIKey string `yaml:"api_key" env:"TMDB_API_KEY"`
}

type PushoverConfig struct {
	Token     string `yaml:"token" env:"PUSHOVER_TOKEN"`
	Recipient string `yaml:"recipient" env:"PUSHOVER_RECIPIENT"`
}

type APIConfig struct {
	Addr       string `yaml:"addr" env:"API_ADDR"`
	DBPath     string `yaml:"db_path" env:"DB_PATH"`
	StorageDir string `yaml:"storage_dir" env:"STORAGE_DIR"`
}

// Server is the per-listener configuration. It is read-only once loaded;
// listeners receive it by value and never mutate it.
type Server struct {
	Name                 string   `yaml:"name"`
	ListenForUser        string   `yaml:"listen_for_user"`
	BlacklistedLibraries []string `yaml:"blacklisted_libraries"`
	WhitelistedLibraries []string `yaml:"whitelisted_libraries"`
	Display              Display  `yaml:"display"`
}

type Display struct {
	Duration     bool     `yaml:"duration"`
	Year         bool     `yaml:"year"`
	Genres       bool     `yaml:"genres"`
	Album        bool     `yaml:"album"`
	AlbumImage   bool     `yaml:"album_image"`
	Artist       bool     `yaml:"artist"`
	ArtistImage  bool     `yaml:"artist_image"`
	Paused       bool     `yaml:"paused"`
	StatusIcon   bool     `yaml:"status_icon"`
	ProgressMode string   `yaml:"progress_mode"`
	Posters      Posters  `yaml:"posters"`
	Buttons      []Button `yaml:"buttons"`
}

type Posters struct {
	Enabled bool `yaml:"enabled"`
}

// Button describes a presence link button. A URL of the form "dynamic:imdb"
// is resolved against the played item's external identifiers at build time;
// anything else is passed through as-is.
type Button struct {
	Label      string   `yaml:"label"`
	URL        string   `yaml:"url"`
	MediaTypes []string `yaml:"media_types"`
}

func DefaultDisplay() Display {
	return Display{
		Duration:     true,
		Year:         true,
		Genres:       true,
		Album:        true,
		AlbumImage:   true,
		Artist:       true,
		ArtistImage:  true,
		Paused:       false,
		StatusIcon:   false,
		ProgressMode: ProgressModeBar,
	}
}

// Load reads the YAML config at path, then layers .env (if present) and
// process environment values over it.
func Load(path string) (Config, error) {
	c := Config{
		LogLevel: "info",
		API: APIConfig{
			Addr:       ":8080",
			DBPath:     "marquee.db",
			StorageDir: "/tmp",
		},
	}

	loader := config.New().AddFeeder(feeder.Yaml{Path: path})
	if _, err := os.Stat(".env"); err == nil {
		loader = loader.AddFeeder(feeder.DotEnv{Path: ".env"})
	}
	loader = loader.AddFeeder(feeder.Env{}).AddStruct(&c)

	if err := loader.Feed(); err != nil {
		return c, err
	}

	for i := range c.Servers {
		applyDisplayDefaults(&c.Servers[i].Display)
	}

	return c, nil
}

// applyDisplayDefaults backfills a server whose YAML omits the display
// block entirely, and the progress mode when only that is missing. A server
// with an explicit display block keeps its omitted toggles off.
func applyDisplayDefaults(d *Display) {
	if isZeroDisplay(*d) {
		*d = DefaultDisplay()
		return
	}
	if d.ProgressMode == "" {
		d.ProgressMode = ProgressModeBar
	}
}

func isZeroDisplay(d Display) bool {
	return !d.Duration && !d.Year && !d.Genres && !d.Album && !d.AlbumImage &&
		!d.Artist && !d.ArtistImage && !d.Paused && !d.StatusIcon &&
		d.ProgressMode == "" && !d.Posters.Enabled && len(d.Buttons) == 0
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" {
		return slog.LevelWarn
	}
	if logLevel == "info" {
		return slog.LevelInfo
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	// default to info if unknown
	slog.With(slog.String("log_level", logLevel)).Info("Received invalid log level. Defaulting to INFO.")
	return slog.LevelInfo
}
