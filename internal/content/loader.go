package content

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc/iter"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/cache"
	"github.com/austindbirch/bus_relay/internal/logging"
)

// Record is the fresh view of one entity for a single dispatch attempt.
// Exactly one field is set.
type Record struct {
	Article *Article `json:"article,omitempty"`
	Author  *Author  `json:"author,omitempty"`
	Term    *Term    `json:"term,omitempty"`
}

// Snapshot encodes r so a later attempt can rebuild it after the entity was
// removed from the CMS.
func (r Record) Snapshot() ([]byte, error) {
	return json.Marshal(r)
}

// Loader assembles Records from an Accessor, filling in what the accessor
// does not know: image hashes, term timestamps, and snapshots of deleted
// entities.
type Loader struct {
	acc         Accessor
	http        *http.Client
	stamps      cache.Cache
	hashWorkers int
	logger      *logging.Logger
	now         func() time.Time
}

func NewLoader(acc Accessor, stamps cache.Cache, hashTimeout time.Duration, logger *logging.Logger) *Loader {
	if hashTimeout <= 0 {
		hashTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.New("content-loader")
	}
	return &Loader{
		acc:         acc,
		http:        &http.Client{Timeout: hashTimeout},
		stamps:      stamps,
		hashWorkers: 4,
		logger:      logger,
		now:         time.Now,
	}
}

// Canonical resolves a revision id to its parent article id. Other kinds
// are returned unchanged.
func (l *Loader) Canonical(ctx context.Context, kind bus.Kind, id, hint int64) (int64, error) {
	if kind != bus.KindArticle {
		return id, nil
	}
	if hint > 0 {
		return hint, nil
	}
	parent, err := l.acc.ParentID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("resolve parent of %d: %w", id, err)
	}
	if parent == 0 {
		return id, nil
	}
	return parent, nil
}

// Load returns a fresh Record for kind/id. When the entity is gone and
// snapshot is not empty the snapshot is used instead.
func (l *Loader) Load(ctx context.Context, kind bus.Kind, id int64, snapshot []byte) (Record, error) {
	rec, err := l.fetch(ctx, kind, id)
	if errors.Is(err, ErrNotFound) && len(snapshot) > 0 {
		var snap Record
		if jerr := json.Unmarshal(snapshot, &snap); jerr != nil {
			return Record{}, fmt.Errorf("decode snapshot of %s %d: %w", kind, id, jerr)
		}
		l.logger.WithContext(ctx).WithEntity(id).WithField("kind", string(kind)).Info("entity gone, using snapshot")
		return snap, nil
	}
	return rec, err
}

// SnapshotOf captures kind/id for a later deletion event. The entity is
// loaded fresh when it still exists; otherwise fallback, which the caller
// got with the change notification, is used. It returns nil when neither
// is available.
func (l *Loader) SnapshotOf(ctx context.Context, kind bus.Kind, id int64, fallback *Record) ([]byte, error) {
	rec, err := l.fetch(ctx, kind, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) || fallback == nil {
			return nil, err
		}
		rec = *fallback
		if rec.Term != nil {
			l.fillTermStamps(ctx, rec.Term)
		}
	}
	return rec.Snapshot()
}

func (l *Loader) fetch(ctx context.Context, kind bus.Kind, id int64) (Record, error) {
	switch kind {
	case bus.KindArticle:
		a, err := l.acc.Article(ctx, id)
		if err != nil {
			return Record{}, err
		}
		a.Images = l.articleImages(ctx, a)
		return Record{Article: a}, nil
	case bus.KindAuthor:
		a, err := l.acc.Author(ctx, id)
		if err != nil {
			return Record{}, err
		}
		return Record{Author: a}, nil
	case bus.KindTopic:
		t, err := l.acc.Term(ctx, id)
		if err != nil {
			return Record{}, err
		}
		l.fillTermStamps(ctx, t)
		return Record{Term: t}, nil
	}
	return Record{}, fmt.Errorf("unknown kind %q", kind)
}

func termStampKey(id int64, field string) string {
	return "term:" + strconv.FormatInt(id, 10) + ":" + field
}

// StampTerm records when a term was created or last updated. The CMS does
// not keep these timestamps for terms.
func (l *Loader) StampTerm(ctx context.Context, id int64, created bool) error {
	at := l.now().UTC().Format(DateLayout)
	if created {
		if err := l.stamps.Set(ctx, termStampKey(id, "created_at"), at, 0); err != nil {
			return err
		}
	}
	return l.stamps.Set(ctx, termStampKey(id, "updated_at"), at, 0)
}

func (l *Loader) fillTermStamps(ctx context.Context, t *Term) {
	if t.CreatedAt == "" {
		if v, ok, _ := l.stamps.Get(ctx, termStampKey(t.ID, "created_at")); ok {
			t.CreatedAt = v
		}
	}
	if t.UpdatedAt == "" {
		if v, ok, _ := l.stamps.Get(ctx, termStampKey(t.ID, "updated_at")); ok {
			t.UpdatedAt = v
		}
	}
}

// articleImages lists the featured image in every size as hero renditions,
// then the renditions of each attachment referenced by slug in the body.
func (l *Loader) articleImages(ctx context.Context, a *Article) []Image {
	var images []Image
	for _, size := range ImageSizes {
		if u := a.FeaturedSizes[size]; u != "" {
			images = append(images, Image{URL: u, Size: size, AltText: a.FeaturedAlt, Hero: true})
		}
	}
	for _, att := range a.Attachments {
		if att.Slug == "" || !strings.Contains(a.Content, att.Slug) {
			continue
		}
		for _, size := range ImageSizes {
			if u := att.Sizes[size]; u != "" {
				images = append(images, Image{URL: u, Size: size, AltText: att.AltText})
			}
		}
	}
	if len(images) == 0 {
		return nil
	}

	var urls []string
	seen := make(map[string]bool)
	for _, img := range images {
		if !seen[img.URL] {
			seen[img.URL] = true
			urls = append(urls, img.URL)
		}
	}

	mapper := iter.Mapper[string, string]{MaxGoroutines: l.hashWorkers}
	hashes := mapper.Map(urls, func(u *string) string {
		h, err := l.hashImage(ctx, *u)
		if err != nil {
			l.logger.WithContext(ctx).WithEntity(a.ID).WithField("url", *u).WithError(err).Warn("image hash failed")
		}
		return h
	})
	byURL := make(map[string]string, len(urls))
	for i, u := range urls {
		byURL[u] = hashes[i]
	}
	for i := range images {
		images[i].ContentHash = byURL[images[i].URL]
	}
	return images
}

// hashImage returns the hex MD5 of the image bytes at url.
func (l *Loader) hashImage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	h := md5.New()
	if _, err := io.Copy(h, io.LimitReader(resp.Body, 32<<20)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
