package wordpress

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/content"
)

const postJSON = `{
  "id": 42,
  "type": "post",
  "status": "publish",
  "link": "https://example.com/nairobi",
  "author": 7,
  "featured_media": 100,
  "date": "2025-01-01T13:00:00",
  "date_gmt": "2025-01-01T10:00:00",
  "modified": "2025-01-02T13:00:00",
  "modified_gmt": "2025-01-02T10:00:00",
  "title": {"raw": "Nairobi &amp; beyond", "rendered": "Nairobi &#038; beyond"},
  "content": {"raw": "<p>Rain <img src=\"inline-photo.jpg\"></p>", "rendered": "<p>x</p>"},
  "excerpt": {"rendered": "Short teaser"},
  "meta": {"_yoast_wpseo_primary_category": "2", "article_lifetime": "evergreen", "flags": [1]},
  "yoast_head_json": {"og_title": "OG title", "canonical": "https://example.com/canonical"},
  "_embedded": {
    "author": [{"name": "Jane Writer"}],
    "wp:featuredmedia": [{"alt_text": "hero", "media_details": {"sizes": {
      "small_square": {"source_url": "https://cdn/hero-sq.jpg"},
      "thumbnail": {"source_url": "https://cdn/hero-thumb.jpg"}
    }}}],
    "wp:term": [
      [{"id": 1, "name": "News", "slug": "news", "taxonomy": "category", "link": "https://example.com/news"},
       {"id": 2, "name": "Weather", "slug": "weather", "taxonomy": "category"}],
      [{"id": 20, "name": "rain", "slug": "rain", "taxonomy": "post_tag"}]
    ]
  }
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wp/v2/posts/42", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "relay" || pass != "app pass" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Sorry, you are not allowed"}`))
			return
		}
		if r.URL.Query().Get("context") != "edit" {
			t.Errorf("context = %q, want edit", r.URL.Query().Get("context"))
		}
		_, _ = w.Write([]byte(postJSON))
	})
	mux.HandleFunc("/wp-json/wp/v2/taxonomies", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"category":{"slug":"category","hierarchical":true},"post_tag":{"slug":"post_tag","hierarchical":false}}`))
	})
	mux.HandleFunc("/wp-json/wp/v2/media", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("parent") != "42" {
			t.Errorf("parent = %q", r.URL.Query().Get("parent"))
		}
		_, _ = w.Write([]byte(`[
		  {"id": 100, "slug": "hero", "media_details": {"sizes": {}}},
		  {"id": 101, "slug": "inline-photo", "alt_text": "inline", "media_details": {"sizes": {
		    "large_square": {"source_url": "https://cdn/inline-lsq.jpg"}}}}
		]`))
	})
	mux.HandleFunc("/wp-json/wp/v2/users/7", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 7, "username": "jane", "name": "Jane Writer", "link": "https://example.com/author/jane",
		  "roles": ["author"], "registered_date": "2024-05-06T07:08:09+00:00",
		  "avatar_urls": {"24": "https://cdn/a24.png", "96": "https://cdn/a96.png"}, "meta": {"writer_type": "freelancer"}}`))
	})
	mux.HandleFunc("/wp-json/wp/v2/categories/5", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/wp-json/wp/v2/tags/5", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 5, "name": "Politics", "slug": "politics", "taxonomy": "post_tag", "link": "https://example.com/tag/politics"}`))
	})
	mux.HandleFunc("/wp-json/wp/v2/posts/500", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"database gone"}`))
	})
	return httptest.NewServer(mux)
}

func newTestClient(srv *httptest.Server) *Client {
	return New(config.WordPress{BaseURL: srv.URL + "/", User: "relay", AppPassword: "app pass"}, []string{"post"}, nil)
}

func TestClient_Article(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	a, err := newTestClient(srv).Article(context.Background(), 42)
	if err != nil {
		t.Fatalf("Article() error = %v", err)
	}

	if a.Title != "Nairobi &amp; beyond" {
		t.Errorf("Title = %q, want raw title", a.Title)
	}
	if a.Excerpt != "Short teaser" {
		t.Errorf("Excerpt = %q, want rendered fallback", a.Excerpt)
	}
	if a.DateGMT != "2025-01-01 10:00:00" || a.Modified != "2025-01-02 13:00:00" {
		t.Errorf("dates = %q / %q", a.DateGMT, a.Modified)
	}
	if a.AuthorName != "Jane Writer" || a.AuthorID != 7 {
		t.Errorf("author = %q (%d)", a.AuthorName, a.AuthorID)
	}
	if a.PrimaryCategoryID != 2 {
		t.Errorf("PrimaryCategoryID = %d", a.PrimaryCategoryID)
	}
	if a.Meta["article_lifetime"] != "evergreen" {
		t.Errorf("Meta = %v", a.Meta)
	}
	if _, ok := a.Meta["flags"]; ok {
		t.Error("non-scalar meta should be skipped")
	}
	if a.OGTitle != "OG title" || a.Canonical != "https://example.com/canonical" {
		t.Errorf("seo fields = %q / %q", a.OGTitle, a.Canonical)
	}
	if len(a.Terms) != 3 || !a.Terms[0].Hierarchical || a.Terms[2].Hierarchical {
		t.Errorf("Terms = %+v", a.Terms)
	}
	if a.FeaturedAlt != "hero" || len(a.FeaturedSizes) != 1 || a.FeaturedSizes["small_square"] != "https://cdn/hero-sq.jpg" {
		t.Errorf("featured = %q %v", a.FeaturedAlt, a.FeaturedSizes)
	}
	if len(a.Attachments) != 1 || a.Attachments[0].ID != 101 {
		t.Errorf("Attachments = %+v, want featured image excluded", a.Attachments)
	}
}

func TestClient_ArticleErrors(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := newTestClient(srv)

	if _, err := c.Article(context.Background(), 404); !errors.Is(err, content.ErrNotFound) {
		t.Errorf("missing article error = %v, want ErrNotFound", err)
	}
	if _, err := c.Article(context.Background(), 500); err == nil || errors.Is(err, content.ErrNotFound) {
		t.Errorf("server error = %v, want a non-NotFound error", err)
	}

	bad := New(config.WordPress{BaseURL: srv.URL, User: "relay", AppPassword: "wrong"}, nil, nil)
	if _, err := bad.Article(context.Background(), 42); err == nil {
		t.Error("wrong credentials should fail")
	}
}

func TestClient_Author(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	a, err := newTestClient(srv).Author(context.Background(), 7)
	if err != nil {
		t.Fatalf("Author() error = %v", err)
	}
	if a.Login != "jane" || a.DisplayName != "Jane Writer" || a.WriterType != "freelancer" {
		t.Errorf("Author = %+v", a)
	}
	if a.Registered != "2024-05-06 07:08:09" {
		t.Errorf("Registered = %q", a.Registered)
	}
	if a.AvatarURL != "https://cdn/a96.png" {
		t.Errorf("AvatarURL = %q", a.AvatarURL)
	}
	if !a.HasAnyRole([]string{"author"}) {
		t.Errorf("Roles = %v", a.Roles)
	}
}

func TestClient_TermFallsBackToTags(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	term, err := newTestClient(srv).Term(context.Background(), 5)
	if err != nil {
		t.Fatalf("Term() error = %v", err)
	}
	if term.Taxonomy != "post_tag" || term.Slug != "politics" || term.Hierarchical {
		t.Errorf("Term = %+v", term)
	}
}

func TestClient_ParentID(t *testing.T) {
	c := New(config.WordPress{}, nil, nil)
	if got, _ := c.ParentID(context.Background(), 9); got != 9 {
		t.Errorf("ParentID() = %d, want 9", got)
	}
}

func TestRestBase(t *testing.T) {
	tests := map[string]string{"post": "posts", "page": "pages", "job": "job"}
	for in, want := range tests {
		if got := restBase(in); got != want {
			t.Errorf("restBase(%q) = %q, want %q", in, got, want)
		}
	}
}
