package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/marquee-dev/marquee/events"
	"github.com/marquee-dev/marquee/playback"
	"github.com/marquee-dev/marquee/utils"
)

type historyItem struct {
	OccurredAt      string                     `json:"occurred_at"`
	Title           string                     `json:"title"`
	Subtitle        string                     `json:"subtitle"`
	Category        string                     `json:"category"`
	Source          string                     `json:"source"`
	Duration        int64                      `json:"duration_ms"`
	DominantColours playback.SerializedColours `json:"dominant_colours"`
}

func renderJSONMessage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	res := map[string]string{"message": message}
	json.NewEncoder(w).Encode(res)
}

func RegisterRoutes(mux *http.ServeMux, ps *playback.PlaybackSystem, storageDir string) http.Handler {

	events.Server.CreateStream("playback")

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "Welcome to Marquee, a bridge between your media server and your Discord status.\n")
	})

	mux.HandleFunc("/static/", func(w http.ResponseWriter, r *http.Request) {
		cover := strings.ReplaceAll(r.URL.Path, "/static/", "")
		// cover.<guid>.jpeg
		coverSegments := strings.Split(cover, ".")
		if len(coverSegments) != 3 || coverSegments[0] != "cover" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		guid := coverSegments[1]
		extension := coverSegments[2]
		image, err := utils.LoadCover(storageDir, guid, extension)
		if err != nil {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31622400")
		w.Header().Set("Content-Type", fmt.Sprintf("image/%s", extension))
		w.Write([]byte(image))
	})

	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, "This is the base of Marquee's API")
	})

	mux.HandleFunc("/api/playing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if len(ps.State) == 0 {
			// If nothing is playing, we'll return the most recent item
			results, err := ps.GetHistory(1)
			if err != nil {
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			if len(results) == 0 {
				json.NewEncoder(w).Encode([]string{})
				return
			}
			json.NewEncoder(w).Encode(results)
			return
		}
		json.NewEncoder(w).Encode(ps.State)
	})

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		results, err := ps.GetHistory(7)
		if err != nil {
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		if len(results) == 0 {
			json.NewEncoder(w).Encode([]string{})
			return
		}
		var response []historyItem
		for _, item := range results {
			response = append(response, historyItem{
				OccurredAt:      item.CreatedAt.Format(time.RFC3339),
				Title:           item.Title,
				Subtitle:        item.Subtitle,
				Category:        item.Category,
				Source:          item.Source,
				Duration:        item.Duration,
				DominantColours: item.DominantColours,
			})
		}
		json.NewEncoder(w).Encode(response)
	})

	mux.HandleFunc("/events", events.Server.ServeHTTP)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Origin, Content-Type, Accept"},
	})

	return c.Handler(mux)
}
