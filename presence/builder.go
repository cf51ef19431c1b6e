package presence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marquee-dev/marquee/config"
	"github.com/marquee-dev/marquee/discord"
	"github.com/marquee-dev/marquee/plex"
	"github.com/marquee-dev/marquee/tmdb"
	"github.com/marquee-dev/marquee/utils"
)

var mediaKindActivityTypeMap = map[string]discord.ActivityType{
	plex.KindMovie:       discord.ActivityWatching,
	plex.KindEpisode:     discord.ActivityWatching,
	plex.KindLiveEpisode: discord.ActivityWatching,
	plex.KindTrack:       discord.ActivityListening,
	plex.KindClip:        discord.ActivityWatching,
}

// Which external identifier namespace each dynamic button type resolves
// against. Trakt and Letterboxd both key off TMDB identifiers.
var buttonTypeGuidTypeMap = map[string]string{
	"imdb":        "imdb",
	"tmdb":        "tmdb",
	"thetvdb":     "tvdb",
	"trakt":       "tmdb",
	"letterboxd":  "tmdb",
	"musicbrainz": "mbid",
}

// buildActivity turns an accepted alert and its resolved item into the
// activity pushed over IPC. Caller holds l.mu.
func (l *Listener) buildActivity(server MediaServer, item plex.Item, kind, state string, viewOffset int64) *discord.Activity {
	d := l.cfg.Display

	var stateStrings []string
	if d.Duration && item.Duration > 0 && kind != plex.KindTrack {
		stateStrings = append(stateStrings, utils.FormatDuration(item.Duration))
	}

	var title, largeText, thumb, smallText, smallThumb string

	switch kind {
	case plex.KindMovie:
		title = item.Title
		if d.Year && item.Year > 0 {
			stateStrings = append(stateStrings, strconv.Itoa(item.Year))
		}
		if d.Genres && len(item.Genre) > 0 {
			genres := item.GenreTags()
			if len(genres) > 3 {
				genres = genres[:3]
			}
			stateStrings = append(stateStrings, strings.Join(genres, ", "))
		}
		thumb = item.Thumb
	case plex.KindEpisode:
		title = item.GrandparentTitle
		if d.Year {
			if series, err := l.fetchRelated(server, item.GrandparentRatingKey); err == nil && series.Year > 0 {
				stateStrings = append(stateStrings, strconv.Itoa(series.Year))
			}
		}
		stateStrings = append(stateStrings, fmt.Sprintf("S%02dE%02d", item.ParentIndex, item.Index))
		stateStrings = append(stateStrings, item.Title)
		thumb = item.GrandparentThumb
	case plex.KindLiveEpisode:
		title = item.GrandparentTitle
		if item.Title != item.GrandparentTitle {
			stateStrings = append(stateStrings, item.Title)
		}
		thumb = item.GrandparentThumb
	case plex.KindTrack:
		title = item.Title
		if d.Album {
			largeText = item.ParentTitle
			if d.Year {
				if album, err := l.fetchRelated(server, item.ParentRatingKey); err == nil && album.Year > 0 {
					largeText = fmt.Sprintf("%s (%d)", utils.Truncate(largeText, 110), album.Year)
				}
			}
		}
		if d.AlbumImage {
			thumb = item.Thumb
		}
		if d.Artist {
			if artist := firstNonEmpty(item.OriginalTitle, item.GrandparentTitle); artist != "" {
				stateStrings = append(stateStrings, artist)
			}
		}
		if d.ArtistImage {
			smallText = firstNonEmpty(item.GrandparentTitle, item.OriginalTitle)
			smallThumb = item.GrandparentThumb
		}
	default:
		title = item.Title
		thumb = item.Thumb
	}

	if state != "playing" && kind != plex.KindTrack {
		if d.ProgressMode == config.ProgressModeRemaining {
			stateStrings = append(stateStrings, fmt.Sprintf("%s left", utils.FormatDuration(item.Duration-viewOffset)))
		} else {
			stateStrings = append(stateStrings, fmt.Sprintf("%s elapsed", utils.FormatDuration(viewOffset)))
		}
		if !d.StatusIcon {
			stateStrings = append(stateStrings, utils.Capitalise(state))
		}
	}

	var thumbURL, smallThumbURL string
	if d.Posters.Enabled {
		switch kind {
		case plex.KindMovie:
			thumbURL = l.posters.PosterURL(item.GuidIDs(), searchTitle(item.Title), item.Year, tmdb.KindMovie, "")
		case plex.KindEpisode:
			if series, err := l.fetchRelated(server, item.GrandparentRatingKey); err == nil {
				thumbURL = l.posters.PosterURL(series.GuidIDs(), searchTitle(series.Title), series.Year, tmdb.KindTV, "")
			}
		default:
			if thumb != "" {
				thumbURL = server.MediaURL(thumb)
			}
		}
		if smallThumb != "" {
			smallThumbURL = server.MediaURL(smallThumb)
		}
	}

	activity := &discord.Activity{
		Type:    mediaKindActivityTypeMap[kind],
		Details: utils.Truncate(title, 120),
	}

	if d.StatusIcon {
		// The small image slot doubles as a status indicator: the state
		// name is sent as the asset key and the client maps it to an icon
		if smallText == "" {
			smallText = utils.Capitalise(state)
		}
		if smallThumbURL == "" {
			smallThumbURL = state
		}
	}

	if largeText != "" || thumbURL != "" || smallText != "" || smallThumbURL != "" {
		activity.Assets = &discord.Assets{
			LargeImage: thumbURL,
			LargeText:  utils.Truncate(largeText, 120),
			SmallImage: smallThumbURL,
			SmallText:  utils.Truncate(smallText, 120),
		}
	}

	if stateText := joinStateStrings(stateStrings); stateText != "" {
		activity.State = utils.Truncate(stateText, 120)
	}

	if len(d.Buttons) > 0 {
		activity.Buttons = l.buildButtons(server, item, kind, title)
	}

	if state == "playing" {
		now := time.Now().UnixMilli()
		switch d.ProgressMode {
		case config.ProgressModeElapsed:
			activity.Timestamps = &discord.Timestamps{Start: now - viewOffset}
		case config.ProgressModeRemaining:
			activity.Timestamps = &discord.Timestamps{End: now + (item.Duration - viewOffset)}
		case config.ProgressModeBar:
			activity.Timestamps = &discord.Timestamps{Start: now - viewOffset, End: now + (item.Duration - viewOffset)}
		}
	}

	return activity
}

// buildButtons resolves configured link buttons against the item's external
// identifiers. Episodes link out to the series rather than the episode
// itself. Discord caps activities at two buttons.
func (l *Listener) buildButtons(server MediaServer, item plex.Item, kind, title string) []discord.Button {
	var guids []string
	switch kind {
	case plex.KindMovie, plex.KindTrack:
		guids = item.GuidIDs()
	case plex.KindEpisode:
		if series, err := l.fetchRelated(server, item.GrandparentRatingKey); err == nil {
			guids = series.GuidIDs()
		}
	}

	var buttons []discord.Button
	for _, btn := range l.cfg.Display.Buttons {
		if len(btn.MediaTypes) > 0 && !contains(btn.MediaTypes, kind) {
			continue
		}
		label := utils.Truncate(strings.ReplaceAll(btn.Label, "{title}", utils.StripNonASCII(title)), 30)
		if !strings.HasPrefix(btn.URL, "dynamic:") {
			buttons = append(buttons, discord.Button{Label: label, URL: btn.URL})
			continue
		}
		buttonType := strings.TrimPrefix(btn.URL, "dynamic:")
		guidType, ok := buttonTypeGuidTypeMap[buttonType]
		if !ok {
			continue
		}
		id := guidValue(guids, guidType)
		if id == "" {
			continue
		}
		url := dynamicButtonURL(buttonType, kind, id)
		if url == "" {
			continue
		}
		buttons = append(buttons, discord.Button{Label: label, URL: url})
	}
	if len(buttons) > 2 {
		buttons = buttons[:2]
	}
	return buttons
}

func dynamicButtonURL(buttonType, kind, id string) string {
	switch buttonType {
	case "imdb":
		return fmt.Sprintf("https://www.imdb.com/title/%s", id)
	case "tmdb":
		segment := "tv"
		if kind == plex.KindMovie {
			segment = "movie"
		}
		return fmt.Sprintf("https://www.themoviedb.org/%s/%s", segment, id)
	case "thetvdb":
		segment := "series"
		if kind == plex.KindMovie {
			segment = "movie"
		}
		return fmt.Sprintf("https://www.thetvdb.com/dereferrer/%s/%s", segment, id)
	case "trakt":
		idType := "show"
		if kind == plex.KindMovie {
			idType = "movie"
		}
		return fmt.Sprintf("https://trakt.tv/search/tmdb/%s?id_type=%s", id, idType)
	case "letterboxd":
		if kind != plex.KindMovie {
			return ""
		}
		return fmt.Sprintf("https://letterboxd.com/tmdb/%s", id)
	case "musicbrainz":
		return fmt.Sprintf("https://musicbrainz.org/track/%s", id)
	}
	return ""
}

// guidValue pulls the raw identifier out of the first guid in the requested
// namespace, e.g. imdb://tt0111161 yields tt0111161.
func guidValue(guids []string, guidType string) string {
	prefix := guidType + "://"
	for _, guid := range guids {
		if rest, ok := strings.CutPrefix(guid, prefix); ok {
			return rest
		}
	}
	return ""
}

// fetchRelated resolves a parent or grandparent item by its string rating
// key. Keys arrive as strings on the wire.
func (l *Listener) fetchRelated(server MediaServer, ratingKey string) (plex.Item, error) {
	key, err := strconv.Atoi(ratingKey)
	if err != nil {
		return plex.Item{}, err
	}
	return server.FetchItem(key)
}

// searchTitle strips a trailing parenthesised qualifier, e.g. a year, which
// trips up catalog text search.
func searchTitle(title string) string {
	return strings.Split(title, " (")[0]
}

func joinStateStrings(parts []string) string {
	var kept []string
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, " · ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
