// Package videometa turns a user-supplied video URL into a queueable video
// descriptor. It classifies the URL by host and, for hosts with a public
// API, looks up the title and duration.
package videometa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/sofa/internal/failure"
)

// Video types.
const (
	TypeYouTube     = "youtube"
	TypeDailymotion = "dailymotion"
	TypeTwitch      = "twitch"
	TypeDirectURL   = "directUrl"
)

const (
	defaultYouTubeURL     = "https://www.googleapis.com/youtube/v3"
	defaultDailymotionURL = "https://api.dailymotion.com"
)

var (
	youtubePattern     = regexp.MustCompile(`^((?:https?:)?//)?((?:www|m)\.)?(youtube\.com|youtu\.be)(/(?:[\w\-]+\?v=|embed/|v/)?)([\w\-]+)(\S+)?$`)
	dailymotionPattern = regexp.MustCompile(`https?://(www.)?(dailymotion.com|dai.ly)(/video)?/(.{7})`)
	twitchPattern      = regexp.MustCompile(`^(https?://(www.)?twitch.tv/)?(\w+)$`)
	directPattern      = regexp.MustCompile(`^.+(\.webm|\.mp4)$`)
)

// Video is a resolved queue entry.
type Video struct {
	VideoID string   `json:"videoId"`
	Type    string   `json:"type"`
	Data    *Details `json:"data,omitempty"`
}

// Details is the metadata fetched from the host's API.
type Details struct {
	Title       string `json:"title,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

// Classify returns the video type and id for rawURL, or a validation
// failure if no supported host matches.
func Classify(rawURL string) (typ, id string, err error) {
	if m := youtubePattern.FindStringSubmatch(rawURL); m != nil {
		if len(m[5]) != 11 {
			return "", "", failure.Validation("Your YouTube URL was invalid")
		}
		return TypeYouTube, m[5], nil
	}
	if m := dailymotionPattern.FindStringSubmatch(rawURL); m != nil {
		return TypeDailymotion, m[4], nil
	}
	if m := twitchPattern.FindStringSubmatch(rawURL); m != nil {
		return TypeTwitch, m[3], nil
	}
	if directPattern.MatchString(rawURL) {
		return TypeDirectURL, rawURL, nil
	}
	return "", "", failure.Validation("That URL was invalid")
}

// Config configures a Resolver.
type Config struct {
	// YouTubeAPIKey enables YouTube lookups. Without it YouTube videos
	// resolve with no details.
	YouTubeAPIKey string
	Client        *http.Client
	// Base URLs, overridable for tests.
	YouTubeURL     string
	DailymotionURL string
	Logger         *slog.Logger
}

// Resolver resolves URLs, fetching details over HTTP.
type Resolver struct {
	apiKey         string
	client         *http.Client
	youtubeURL     string
	dailymotionURL string
	log            *slog.Logger
}

// NewResolver creates a resolver. Zero-valued fields take defaults.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		apiKey:         cfg.YouTubeAPIKey,
		client:         cfg.Client,
		youtubeURL:     strings.TrimRight(cfg.YouTubeURL, "/"),
		dailymotionURL: strings.TrimRight(cfg.DailymotionURL, "/"),
		log:            cfg.Logger,
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.youtubeURL == "" {
		r.youtubeURL = defaultYouTubeURL
	}
	if r.dailymotionURL == "" {
		r.dailymotionURL = defaultDailymotionURL
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "videometa")
	return r
}

// Resolve classifies rawURL and fetches its details where the host
// supports it.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (Video, error) {
	typ, id, err := Classify(rawURL)
	if err != nil {
		return Video{}, err
	}
	v := Video{VideoID: id, Type: typ}
	switch typ {
	case TypeYouTube:
		if r.apiKey == "" {
			r.log.Debug("no YouTube API key, skipping lookup", "video", id)
			return v, nil
		}
		v.Data, err = r.youtube(ctx, id)
	case TypeDailymotion:
		v.Data, err = r.dailymotion(ctx, id)
	}
	if err != nil {
		return Video{}, err
	}
	return v, nil
}

type youtubeResponse struct {
	Items []struct {
		Snippet struct {
			Title       string `json:"title"`
			PublishedAt string `json:"publishedAt"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

func (r *Resolver) youtube(ctx context.Context, id string) (*Details, error) {
	q := url.Values{}
	q.Set("part", "snippet,contentDetails")
	q.Set("key", r.apiKey)
	q.Set("id", id)

	var resp youtubeResponse
	if err := r.getJSON(ctx, r.youtubeURL+"/videos?"+q.Encode(), &resp); err != nil {
		return nil, failure.Upstream("YouTube API request failed. This video might not exist", err)
	}
	if len(resp.Items) == 0 {
		return nil, failure.Upstream("YouTube API request failed. This video might not exist", fmt.Errorf("no items for %s", id))
	}
	item := resp.Items[0]
	return &Details{
		Title:       item.Snippet.Title,
		PublishedAt: item.Snippet.PublishedAt,
		Duration:    FormatDuration(item.ContentDetails.Duration),
	}, nil
}

func (r *Resolver) dailymotion(ctx context.Context, id string) (*Details, error) {
	var resp struct {
		Title string `json:"title"`
	}
	if err := r.getJSON(ctx, r.dailymotionURL+"/video/"+url.PathEscape(id), &resp); err != nil {
		return nil, failure.Upstream("DailyMotion API request failed. This video might not exist", err)
	}
	return &Details{Title: resp.Title}, nil
}

func (r *Resolver) getJSON(ctx context.Context, target string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

var durationPart = regexp.MustCompile(`(\d+)([DHMS])`)

// FormatDuration renders an ISO-8601 duration such as PT1H2M3S as
// H:MM:SS, or M:SS when it is under an hour. Days fold into hours.
func FormatDuration(iso string) string {
	if iso == "" {
		return ""
	}
	date, clock, _ := strings.Cut(iso, "T")
	var h, m, s int
	for _, match := range durationPart.FindAllStringSubmatch(date, -1) {
		if match[2] == "D" {
			n, _ := strconv.Atoi(match[1])
			h += 24 * n
		}
	}
	for _, match := range durationPart.FindAllStringSubmatch(clock, -1) {
		n, _ := strconv.Atoi(match[1])
		switch match[2] {
		case "H":
			h += n
		case "M":
			m += n
		case "S":
			s += n
		}
	}
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
