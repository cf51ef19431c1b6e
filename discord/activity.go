package discord

// ActivityType mirrors the numeric activity types understood by the Discord
// client. Only watching and listening are used here.
type ActivityType int

const (
	ActivityPlaying   ActivityType = 0
	ActivityListening ActivityType = 2
	ActivityWatching  ActivityType = 3
)

type Activity struct {
	Type       ActivityType `json:"type"`
	Details    string       `json:"details,omitempty"`
	State      string       `json:"state,omitempty"`
	Assets     *Assets      `json:"assets,omitempty"`
	Timestamps *Timestamps  `json:"timestamps,omitempty"`
	Buttons    []Button     `json:"buttons,omitempty"`
}

type Assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

// Timestamps are unix milliseconds. Discord renders elapsed time from a
// start timestamp and a countdown from an end timestamp.
type Timestamps struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}
