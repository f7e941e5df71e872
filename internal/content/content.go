// Package content holds the read-only view of CMS entities that payloads are
// built from, and the accessors that produce it.
package content

import (
	"context"
	"errors"
)

// ErrNotFound is returned by accessors when an entity does not exist.
var ErrNotFound = errors.New("content: not found")

// DateLayout is how the CMS stores local and GMT timestamps.
const DateLayout = "2006-01-02 15:04:05"

// Image sizes published for every article image, in payload order.
var ImageSizes = []string{"small_rectangle", "small_square", "large_rectangle", "large_square"}

type Term struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	Taxonomy     string `json:"taxonomy"`
	Hierarchical bool   `json:"hierarchical"`
	ParentID     int64  `json:"parent_id,omitempty"`
	Link         string `json:"link,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Image is one rendition published in an article payload.
type Image struct {
	URL         string `json:"url"`
	Size        string `json:"size"`
	AltText     string `json:"alt_text"`
	Hero        bool   `json:"hero"`
	ContentHash string `json:"content_hash"`
}

// Attachment is an image uploaded to an article, keyed by rendition size.
type Attachment struct {
	ID      int64             `json:"id"`
	Slug    string            `json:"slug"`
	AltText string            `json:"alt_text"`
	Sizes   map[string]string `json:"sizes"`
}

type Article struct {
	ID                int64             `json:"id"`
	ParentID          int64             `json:"parent_id,omitempty"`
	PostType          string            `json:"post_type"`
	Status            string            `json:"status"`
	Title             string            `json:"title"`
	Content           string            `json:"content"`
	Excerpt           string            `json:"excerpt"`
	Link              string            `json:"link"`
	Canonical         string            `json:"canonical,omitempty"`
	AuthorID          int64             `json:"author_id,omitempty"`
	AuthorName        string            `json:"author_name,omitempty"`
	Date              string            `json:"date,omitempty"`
	DateGMT           string            `json:"date_gmt,omitempty"`
	Modified          string            `json:"modified,omitempty"`
	ModifiedGMT       string            `json:"modified_gmt,omitempty"`
	OGTitle           string            `json:"og_title,omitempty"`
	OGDescription     string            `json:"og_description,omitempty"`
	MetaDescription   string            `json:"meta_description,omitempty"`
	PrimaryCategoryID int64             `json:"primary_category_id,omitempty"`
	Terms             []Term            `json:"terms,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
	FeaturedSizes     map[string]string `json:"featured_sizes,omitempty"`
	FeaturedAlt       string            `json:"featured_alt,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`

	// Images is filled by the Loader with hashed renditions.
	Images []Image `json:"images,omitempty"`
}

// TermsIn returns the article terms of one taxonomy, in CMS order.
func (a *Article) TermsIn(taxonomy string) []Term {
	var out []Term
	for _, t := range a.Terms {
		if t.Taxonomy == taxonomy {
			out = append(out, t)
		}
	}
	return out
}

type Author struct {
	ID          int64    `json:"id"`
	Login       string   `json:"login,omitempty"`
	DisplayName string   `json:"display_name"`
	URL         string   `json:"url"`
	Roles       []string `json:"roles,omitempty"`
	WriterType  string   `json:"writer_type,omitempty"`
	Registered  string   `json:"registered,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
}

// HasAnyRole reports whether the author holds one of roles.
func (a *Author) HasAnyRole(roles []string) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Accessor is the read-only window onto the CMS data store.
type Accessor interface {
	Article(ctx context.Context, id int64) (*Article, error)
	Author(ctx context.Context, id int64) (*Author, error)
	Term(ctx context.Context, id int64) (*Term, error)
	// ParentID returns the canonical article id for id, which may be a revision.
	ParentID(ctx context.Context, id int64) (int64, error)
}
