package presence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/marquee-dev/marquee/playback"
	"github.com/marquee-dev/marquee/plex"
	"github.com/marquee-dev/marquee/utils"
)

var stateStatusMap = map[string]playback.Status{
	"playing":   playback.StatusPlaying,
	"paused":    playback.StatusPaused,
	"stopped":   playback.StatusStopped,
	"buffering": playback.StatusBuffering,
}

// historyThumb picks the artwork recorded against a history entry. Tracks
// generally don't have unique covers so the album cover is used instead,
// which holds true even for singles.
func historyThumb(item plex.Item) string {
	if item.MediaKind() == plex.KindTrack {
		if item.ParentThumb != "" {
			return item.ParentThumb
		}
	}
	return item.Thumb
}

// recordPlayback persists an accepted alert into playback history. Runs off
// the alert path; every failure here is logged and dropped since history is
// a nice-to-have next to live presence.
func (l *Listener) recordPlayback(item plex.Item, kind, state string, viewOffset int64, thumbURL string) {
	status, ok := stateStatusMap[state]
	if !ok {
		return
	}

	title := item.Title
	var subtitle string
	switch kind {
	case plex.KindEpisode, plex.KindLiveEpisode:
		title = fmt.Sprintf("%02dx%02d %s", item.ParentIndex, item.Index, item.Title)
		subtitle = item.GrandparentTitle
	case plex.KindTrack:
		subtitle = firstNonEmpty(item.OriginalTitle, item.GrandparentTitle)
	}

	var imageLocation string
	var domColours []string
	if thumbURL != "" {
		image, extension, colours, err := utils.ExtractImageContent(l.httpClient, thumbURL)
		if err != nil {
			l.log.Warn("Failed to extract cover art",
				slog.String("error", err.Error()),
				slog.String("image_url", thumbURL))
		} else {
			location, guid := utils.BytesToGUIDLocation(image, extension)
			if err := utils.SaveCover(l.storageDir, guid.String(), image, extension); err != nil {
				l.log.Warn("Failed to save cover art",
					slog.String("error", err.Error()),
					slog.String("guid", guid.String()))
			} else {
				imageLocation = location
				domColours = colours
			}
		}
	}

	update := playback.Update{
		MediaItem: playback.MediaItem{
			Title:           title,
			Subtitle:        subtitle,
			Category:        kind,
			Duration:        item.Duration,
			Source:          playback.SourcePlex,
			Image:           imageLocation,
			DominantColours: playback.SerializedColours(domColours),
		},
		Elapsed: time.Duration(viewOffset) * time.Millisecond,
		Status:  status,
	}

	if err := l.playback.UpdatePlaybackState(update); err != nil {
		l.log.Error("Failed to save playback update",
			slog.String("error", err.Error()),
			slog.String("title", title))
	}
}
