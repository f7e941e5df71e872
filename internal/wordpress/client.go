// Package wordpress reads articles, authors and terms from a WordPress site
// through its REST API.
package wordpress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"

	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/content"
)

// restDateLayout is how the REST API renders post dates.
const restDateLayout = "2006-01-02T15:04:05"

// primaryCategoryMeta is the post meta key holding the chosen primary category.
const primaryCategoryMeta = "_yoast_wpseo_primary_category"

// Client implements content.Accessor over /wp-json/wp/v2. Requests
// authenticate with an application password so drafts and edit context
// fields are readable.
type Client struct {
	http      *http.Client
	baseURL   string
	user      string
	password  string
	restBases []string

	mu         sync.Mutex
	taxonomies map[string]bool // slug -> hierarchical
}

func New(cfg config.WordPress, postTypes []string, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if len(postTypes) == 0 {
		postTypes = []string{"post"}
	}
	bases := make([]string, 0, len(postTypes))
	for _, pt := range postTypes {
		bases = append(bases, restBase(pt))
	}
	return &Client{
		http:      httpClient,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		user:      cfg.User,
		password:  cfg.AppPassword,
		restBases: bases,
	}
}

func restBase(postType string) string {
	switch postType {
	case "post":
		return "posts"
	case "page":
		return "pages"
	}
	return postType
}

// get fetches path and returns the body. 404 maps to content.ErrNotFound.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + "/wp-json/wp/v2" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wordpress GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("wordpress GET %s: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, content.ErrNotFound
	case resp.StatusCode == http.StatusGone:
		return nil, content.ErrNotFound
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(body, "message").String()
		return nil, fmt.Errorf("wordpress GET %s: status %d: %s", path, resp.StatusCode, msg)
	}
	return body, nil
}

func editContext() url.Values {
	return url.Values{"context": {"edit"}}
}

func (c *Client) Article(ctx context.Context, id int64) (*content.Article, error) {
	var (
		post []byte
		err  error
	)
	q := editContext()
	q.Set("_embed", "author,wp:term,wp:featuredmedia")
	for _, base := range c.restBases {
		post, err = c.get(ctx, "/"+base+"/"+strconv.FormatInt(id, 10), q)
		if !errors.Is(err, content.ErrNotFound) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	var (
		taxonomies  map[string]bool
		attachments []content.Attachment
	)
	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		var err error
		taxonomies, err = c.Taxonomies(ctx)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		attachments, err = c.attachments(ctx, id)
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return parseArticle(gjson.ParseBytes(post), taxonomies, attachments), nil
}

func parseArticle(r gjson.Result, taxonomies map[string]bool, attachments []content.Attachment) *content.Article {
	a := &content.Article{
		ID:              r.Get("id").Int(),
		ParentID:        r.Get("parent").Int(),
		PostType:        r.Get("type").String(),
		Status:          r.Get("status").String(),
		Title:           rendered(r.Get("title")),
		Content:         rendered(r.Get("content")),
		Excerpt:         rendered(r.Get("excerpt")),
		Link:            r.Get("link").String(),
		AuthorID:        r.Get("author").Int(),
		AuthorName:      r.Get("_embedded.author.0.name").String(),
		Date:            cmsDate(r.Get("date").String()),
		DateGMT:         cmsDate(r.Get("date_gmt").String()),
		Modified:        cmsDate(r.Get("modified").String()),
		ModifiedGMT:     cmsDate(r.Get("modified_gmt").String()),
		OGTitle:         r.Get("yoast_head_json.og_title").String(),
		OGDescription:   r.Get("yoast_head_json.og_description").String(),
		MetaDescription: r.Get("yoast_head_json.description").String(),
		Canonical:       r.Get("yoast_head_json.canonical").String(),
		Meta:            make(map[string]string),
	}

	featuredID := r.Get("featured_media").Int()
	for _, att := range attachments {
		if att.ID != featuredID {
			a.Attachments = append(a.Attachments, att)
		}
	}

	r.Get("meta").ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.String || v.Type == gjson.Number {
			a.Meta[k.String()] = v.String()
		}
		return true
	})
	if v, err := strconv.ParseInt(a.Meta[primaryCategoryMeta], 10, 64); err == nil {
		a.PrimaryCategoryID = v
	}

	r.Get("_embedded.wp:term").ForEach(func(_, group gjson.Result) bool {
		group.ForEach(func(_, t gjson.Result) bool {
			a.Terms = append(a.Terms, parseTerm(t, taxonomies))
			return true
		})
		return true
	})

	media := r.Get("_embedded.wp:featuredmedia.0")
	if media.Exists() {
		a.FeaturedAlt = media.Get("alt_text").String()
		a.FeaturedSizes = sizes(media)
	}
	return a
}

// rendered prefers the raw field available in edit context.
func rendered(field gjson.Result) string {
	if raw := field.Get("raw"); raw.Exists() {
		return raw.String()
	}
	return field.Get("rendered").String()
}

func cmsDate(v string) string {
	t, err := time.Parse(restDateLayout, v)
	if err != nil {
		return ""
	}
	return t.Format(content.DateLayout)
}

func sizes(media gjson.Result) map[string]string {
	out := make(map[string]string)
	for _, size := range content.ImageSizes {
		if u := media.Get("media_details.sizes." + size + ".source_url").String(); u != "" {
			out[size] = u
		}
	}
	return out
}

func parseTerm(t gjson.Result, taxonomies map[string]bool) content.Term {
	tax := t.Get("taxonomy").String()
	return content.Term{
		ID:           t.Get("id").Int(),
		Name:         t.Get("name").String(),
		Slug:         t.Get("slug").String(),
		Taxonomy:     tax,
		Hierarchical: taxonomies[tax],
		ParentID:     t.Get("parent").Int(),
		Link:         t.Get("link").String(),
		CreatedAt:    t.Get("meta.created_at").String(),
		UpdatedAt:    t.Get("meta.updated_at").String(),
	}
}

// attachments lists images uploaded to the post.
func (c *Client) attachments(ctx context.Context, postID int64) ([]content.Attachment, error) {
	q := url.Values{
		"parent":     {strconv.FormatInt(postID, 10)},
		"media_type": {"image"},
		"per_page":   {"100"},
	}
	body, err := c.get(ctx, "/media", q)
	if errors.Is(err, content.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []content.Attachment
	gjson.ParseBytes(body).ForEach(func(_, m gjson.Result) bool {
		out = append(out, content.Attachment{
			ID:      m.Get("id").Int(),
			Slug:    m.Get("slug").String(),
			AltText: m.Get("alt_text").String(),
			Sizes:   sizes(m),
		})
		return true
	})
	return out, nil
}

// Taxonomies returns which registered taxonomies are hierarchical. The
// answer is fetched once per client.
func (c *Client) Taxonomies(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	cached := c.taxonomies
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	body, err := c.get(ctx, "/taxonomies", editContext())
	if err != nil {
		return nil, fmt.Errorf("list taxonomies: %w", err)
	}
	out := make(map[string]bool)
	gjson.ParseBytes(body).ForEach(func(k, v gjson.Result) bool {
		slug := v.Get("slug").String()
		if slug == "" {
			slug = k.String()
		}
		out[slug] = v.Get("hierarchical").Bool()
		return true
	})

	c.mu.Lock()
	c.taxonomies = out
	c.mu.Unlock()
	return out, nil
}

func (c *Client) Author(ctx context.Context, id int64) (*content.Author, error) {
	body, err := c.get(ctx, "/users/"+strconv.FormatInt(id, 10), editContext())
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(body)
	a := &content.Author{
		ID:          r.Get("id").Int(),
		Login:       r.Get("username").String(),
		DisplayName: r.Get("name").String(),
		URL:         r.Get("link").String(),
		WriterType:  r.Get("meta.writer_type").String(),
		Registered:  cmsDate(strings.TrimSuffix(r.Get("registered_date").String(), "+00:00")),
		UpdatedAt:   r.Get("meta.updated_at").String(),
		AvatarURL:   r.Get("avatar_urls.96").String(),
	}
	r.Get("roles").ForEach(func(_, v gjson.Result) bool {
		a.Roles = append(a.Roles, v.String())
		return true
	})
	return a, nil
}

// Term looks the id up as a category first, then as a tag.
func (c *Client) Term(ctx context.Context, id int64) (*content.Term, error) {
	taxonomies, err := c.Taxonomies(ctx)
	if err != nil {
		return nil, err
	}
	for _, base := range []string{"categories", "tags"} {
		body, err := c.get(ctx, "/"+base+"/"+strconv.FormatInt(id, 10), editContext())
		if errors.Is(err, content.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		t := parseTerm(gjson.ParseBytes(body), taxonomies)
		return &t, nil
	}
	return nil, content.ErrNotFound
}

// ParentID returns id unchanged. The REST API does not resolve a revision
// id without its parent, so callers pass the parent as a hint instead.
func (c *Client) ParentID(_ context.Context, id int64) (int64, error) {
	return id, nil
}
