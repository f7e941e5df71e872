package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/austindbirch/bus_relay/internal/cache"
	"github.com/austindbirch/bus_relay/internal/logging"
)

const (
	youtubeAPI      = "https://www.googleapis.com/youtube/v3/videos"
	youtubeCacheTTL = 24 * time.Hour
)

var (
	youtubeIDRe       = regexp.MustCompile(`(?i)https?://(?:www\.)?(?:youtube\.com/watch\?v=|youtu\.be/)([a-zA-Z0-9_-]+)`)
	isoDurationRe     = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)
	errNoVideoDetails = errors.New("youtube: no items in response")
)

// Video is one embedded YouTube video in an article payload.
type Video struct {
	Reference   string `json:"reference"`
	ContentURL  string `json:"content_url"`
	EmbedURL    string `json:"embed_url"`
	Thumbnail   string `json:"thumbnail"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Duration    int    `json:"duration"`
}

// VideoSource enriches an article body with video details.
type VideoSource interface {
	Videos(ctx context.Context, body string) []Video
}

// VideoIDs returns the distinct YouTube ids linked from body, in order of
// first appearance.
func VideoIDs(body string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range youtubeIDRe.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

// DurationSeconds converts an ISO 8601 duration such as PT1M30S.
func DurationSeconds(iso string) (int, error) {
	m := isoDurationRe.FindStringSubmatch(iso)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", iso)
	}
	total := 0
	for i, unit := range []int{86400, 3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", iso, err)
		}
		total += n * unit
	}
	return total, nil
}

// YouTube looks up video details with the YouTube Data API and caches them
// per video id.
type YouTube struct {
	apiKey   string
	referer  string
	endpoint string
	http     *http.Client
	cache    cache.Cache
	logger   *logging.Logger
}

func NewYouTube(apiKey, siteURL string, c cache.Cache, timeout time.Duration, logger *logging.Logger) *YouTube {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.New("youtube")
	}
	return &YouTube{
		apiKey:   apiKey,
		referer:  siteURL,
		endpoint: youtubeAPI,
		http:     &http.Client{Timeout: timeout},
		cache:    c,
		logger:   logger,
	}
}

// Videos returns details for every video linked from body. Lookups that
// fail are logged and left out.
func (y *YouTube) Videos(ctx context.Context, body string) []Video {
	if y == nil || y.apiKey == "" {
		return nil
	}
	var out []Video
	for _, id := range VideoIDs(body) {
		v, err := y.video(ctx, id)
		if err != nil {
			y.logger.WithContext(ctx).WithField("video_id", id).WithError(err).Warn("youtube lookup failed")
			continue
		}
		out = append(out, *v)
	}
	return out
}

func (y *YouTube) video(ctx context.Context, id string) (*Video, error) {
	key := "youtube:" + id
	if raw, ok, err := y.cache.Get(ctx, key); err == nil && ok {
		var v Video
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return &v, nil
		}
	}

	q := url.Values{}
	q.Set("part", "snippet,contentDetails")
	q.Set("id", id)
	q.Set("key", y.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if y.referer != "" {
		req.Header.Set("Referer", y.referer)
	}
	resp, err := y.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	if msg := res.Get("error.message"); msg.Exists() {
		return nil, fmt.Errorf("youtube: %s", msg.String())
	}
	item := res.Get("items.0")
	if !item.Exists() {
		return nil, errNoVideoDetails
	}
	seconds, err := DurationSeconds(item.Get("contentDetails.duration").String())
	if err != nil {
		return nil, err
	}
	v := &Video{
		Reference:   id,
		ContentURL:  "https://www.youtube.com/watch?v=" + id,
		EmbedURL:    "https://www.youtube.com/embed/" + id,
		Thumbnail:   item.Get("snippet.thumbnails.standard.url").String(),
		Title:       item.Get("snippet.title").String(),
		Description: item.Get("snippet.description").String(),
		Duration:    seconds,
	}
	if raw, err := json.Marshal(v); err == nil {
		if err := y.cache.Set(ctx, key, string(raw), youtubeCacheTTL); err != nil {
			y.logger.WithContext(ctx).WithField("video_id", id).WithError(err).Warn("cache youtube details")
		}
	}
	return v, nil
}
