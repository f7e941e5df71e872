// Package payload maps content records onto BUS event payloads.
package payload

import (
	"context"
	"fmt"
	"strconv"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/content"
	"github.com/austindbirch/bus_relay/internal/logging"
)

// Field limits in code points.
const (
	TitleLimit       = 255
	DescriptionLimit = 1000
	TeaserLimit      = 300
)

const (
	metaLifetime          = "article_lifetime"
	metaPublicationReason = "publication_reason"
	unsetMetaValue        = "none"
	sourceTypeOriginal    = "original"
	defaultWriterType     = "staff"
)

// Taxonomies that never surface as categories.
var hierarchicalBlacklist = map[string]bool{
	"sailthru_user_type":        true,
	"sailthru_user_status":      true,
	"sailthru_property_type":    true,
	"sailthru_experience_level": true,
	"sailthru_functions":        true,
	"content_style":             true,
	"content_author":            true,
	"article_intent":            true,
	"post_tag":                  true,
	"post_format":               true,
}

// Taxonomies that never surface as taxon tags.
var flatBlacklist = map[string]bool{
	"post_format":               true,
	"sailthru_user_type":        true,
	"sailthru_user_status":      true,
	"sailthru_property_type":    true,
	"sailthru_experience_level": true,
	"sailthru_functions":        true,
	"content_style":             true,
	"content_author":            true,
	"article_intent":            true,
}

// Localized is a value tagged with its culture.
type Localized struct {
	Culture string `json:"culture"`
	Value   string `json:"value"`
}

type Category struct {
	ID    int64       `json:"id"`
	Title []Localized `json:"title"`
	Slug  []Localized `json:"slug"`
}

type SailthruVars struct {
	ContentType string   `json:"content_type"`
	Locale      string   `json:"locale"`
	UserType    []string `json:"user_type"`
	UserStatus  []string `json:"user_status"`
}

type Article struct {
	Reference         string          `json:"reference"`
	Status            string          `json:"status"`
	CreatedAt         string          `json:"created_at"`
	PublishedAt       string          `json:"published_at"`
	UpdatedAt         string          `json:"updated_at"`
	SourceType        string          `json:"source_type"`
	SourceDetail      string          `json:"source_detail"`
	URL               []Localized     `json:"url"`
	Canonical         []Localized     `json:"canonical"`
	Title             []Localized     `json:"title"`
	OGTitle           []Localized     `json:"og_title"`
	Description       []Localized     `json:"description"`
	OGDescription     []Localized     `json:"og_description"`
	Teaser            []Localized     `json:"teaser"`
	WordCount         int             `json:"wordcount"`
	Images            []content.Image `json:"images"`
	ParentCategory    *Category       `json:"parent_category"`
	ChildCategory     *Category       `json:"child_category,omitempty"`
	Categories        []Category      `json:"categories"`
	TaxonTags         []Category      `json:"taxon_tags"`
	SailthruTags      []string        `json:"sailthru_tags"`
	SailthruVars      any             `json:"sailthru_vars"`
	Lifetime          string          `json:"lifetime"`
	PublicationReason string          `json:"publication_reason"`
	PrimaryMediaType  string          `json:"primary_media_type"`
	Body              []Localized     `json:"body"`
	Videos            []Video         `json:"videos,omitempty"`
}

type AuthorImage struct {
	URL     string `json:"url"`
	AltText string `json:"alt_text"`
}

type Author struct {
	Reference  string       `json:"reference"`
	URL        string       `json:"url"`
	Name       string       `json:"name"`
	WriterType string       `json:"writer_type"`
	Status     string       `json:"status"`
	CreatedAt  string       `json:"created_at"`
	UpdatedAt  string       `json:"updated_at"`
	Image      *AuthorImage `json:"image,omitempty"`
}

type Topic struct {
	Reference string      `json:"reference"`
	Status    string      `json:"status"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
	URL       []Localized `json:"url"`
	Title     []Localized `json:"title"`
	Slug      []Localized `json:"slug"`
	PageType  string      `json:"page_type"`
}

// Options are the site-level settings that shape payloads.
type Options struct {
	Locale             string
	CustomCategory     bool
	CustomCategoryName string
	SailthruEnabled    bool
	SailthruVertical   int
}

func OptionsFromConfig(cfg config.Payload) Options {
	return Options{
		Locale:             cfg.Locale,
		CustomCategory:     cfg.CustomCategory,
		CustomCategoryName: cfg.CustomCategoryName,
		SailthruEnabled:    cfg.SailthruEnabled,
		SailthruVertical:   cfg.SailthruVertical,
	}
}

// Builder turns content records into payloads. Apart from the optional
// video lookup it has no side effects.
type Builder struct {
	opts   Options
	videos VideoSource
	logger *logging.Logger
}

func NewBuilder(opts Options, videos VideoSource, logger *logging.Logger) *Builder {
	if opts.Locale == "" {
		opts.Locale = "en_KE"
	}
	if logger == nil {
		logger = logging.New("payload")
	}
	return &Builder{opts: opts, videos: videos, logger: logger}
}

// Build returns the envelope reference and payload for eventType.
func (b *Builder) Build(ctx context.Context, eventType bus.EventType, rec content.Record) (string, any, error) {
	switch eventType.Kind() {
	case bus.KindArticle:
		if rec.Article == nil {
			return "", nil, fmt.Errorf("%s: record has no article", eventType)
		}
		p := b.Article(ctx, eventType, rec.Article)
		return p.Reference, p, nil
	case bus.KindAuthor:
		if rec.Author == nil {
			return "", nil, fmt.Errorf("%s: record has no author", eventType)
		}
		p := b.Author(ctx, eventType, rec.Author)
		return p.Reference, p, nil
	case bus.KindTopic:
		if rec.Term == nil {
			return "", nil, fmt.Errorf("%s: record has no term", eventType)
		}
		p := b.Topic(eventType, rec.Term)
		return p.Reference, p, nil
	}
	return "", nil, fmt.Errorf("unsupported event type %q", eventType)
}

func (b *Builder) localized(v string) []Localized {
	return []Localized{{Culture: b.opts.Locale, Value: v}}
}

func (b *Builder) Article(ctx context.Context, eventType bus.EventType, a *content.Article) *Article {
	log := b.logger.WithContext(ctx).WithEvent(string(eventType)).WithEntity(a.ID)

	published := FormatDate(firstDate(a.DateGMT, a.Date))
	body := RawContent(a.Content)
	excerpt := DecodedContent(a.Excerpt)

	ogTitle := a.OGTitle
	if ogTitle == "" {
		ogTitle = a.Title
	}
	ogDescription := a.OGDescription
	if ogDescription == "" {
		ogDescription = a.Excerpt
	}
	canonical := a.Canonical
	if canonical == "" {
		canonical = a.Link
	}
	if a.Link == "" {
		log.Warn("article has no permalink")
	}

	p := &Article{
		Reference:         strconv.FormatInt(a.ID, 10),
		Status:            eventType.Status(),
		CreatedAt:         published,
		PublishedAt:       published,
		UpdatedAt:         FormatDate(firstDate(a.ModifiedGMT, a.Modified)),
		SourceType:        sourceTypeOriginal,
		SourceDetail:      a.AuthorName,
		URL:               b.localized(a.Link),
		Canonical:         b.localized(canonical),
		Title:             b.localized(Truncate(DecodedContent(a.Title), TitleLimit)),
		OGTitle:           b.localized(Truncate(DecodedContent(ogTitle), TitleLimit)),
		Description:       b.localized(Truncate(excerpt, DescriptionLimit)),
		OGDescription:     b.localized(Truncate(DecodedContent(ogDescription), DescriptionLimit)),
		Teaser:            b.localized(Truncate(excerpt, TeaserLimit)),
		WordCount:         WordCount(body),
		Images:            a.Images,
		Categories:        b.categories(a),
		TaxonTags:         b.taxonTags(a),
		SailthruTags:      b.sailthruTags(a),
		SailthruVars:      b.sailthruVars(a),
		Lifetime:          metaOr(a.Meta, metaLifetime),
		PublicationReason: metaOr(a.Meta, metaPublicationReason),
		PrimaryMediaType:  PrimaryMediaType(a.Content),
		Body:              b.localized(body),
	}
	if p.Images == nil {
		p.Images = []content.Image{}
	}

	if b.opts.CustomCategory {
		p.ParentCategory = b.customCategory()
		if a.PrimaryCategoryID != 0 {
			p.ChildCategory = b.primaryCategory(a)
		}
	} else if primary := b.primaryCategory(a); primary != nil {
		p.ParentCategory = primary
	} else if h := b.hierarchical(a); len(h) > 0 {
		p.ParentCategory = &h[0]
	} else {
		log.Warn("article has no category")
		p.ParentCategory = &Category{Title: b.localized(""), Slug: b.localized("")}
	}

	if b.videos != nil {
		p.Videos = b.videos.Videos(ctx, body)
	}
	return p
}

func (b *Builder) Author(ctx context.Context, eventType bus.EventType, a *content.Author) *Author {
	writerType := a.WriterType
	if writerType == "" {
		writerType = defaultWriterType
	}
	if a.URL == "" {
		b.logger.WithContext(ctx).WithEvent(string(eventType)).WithEntity(a.ID).Warn("author has no profile url")
	}
	p := &Author{
		Reference:  strconv.FormatInt(a.ID, 10),
		URL:        a.URL,
		Name:       a.DisplayName,
		WriterType: writerType,
		Status:     eventType.Status(),
		CreatedAt:  FormatDate(a.Registered),
		UpdatedAt:  FormatDate(firstDate(a.UpdatedAt, a.Registered)),
	}
	if a.AvatarURL != "" {
		p.Image = &AuthorImage{URL: a.AvatarURL, AltText: a.DisplayName}
	}
	return p
}

func (b *Builder) Topic(eventType bus.EventType, t *content.Term) *Topic {
	created := FormatDate(t.CreatedAt)
	if created == "" {
		created = FormatDate(t.UpdatedAt)
	}
	return &Topic{
		Reference: strconv.FormatInt(t.ID, 10),
		Status:    eventType.Status(),
		CreatedAt: created,
		UpdatedAt: FormatDate(t.UpdatedAt),
		URL:       b.localized(t.Link),
		Title:     b.localized(t.Name),
		Slug:      b.localized(t.Slug),
		PageType:  PageType(t.Taxonomy),
	}
}

// PageType maps a taxonomy onto the topic page type.
func PageType(taxonomy string) string {
	switch taxonomy {
	case "category":
		return "category"
	case "post_tag", "tag":
		return "tag"
	}
	return taxonomy
}

func (b *Builder) category(t content.Term) Category {
	return Category{ID: t.ID, Title: b.localized(t.Name), Slug: b.localized(t.Slug)}
}

func (b *Builder) customCategory() *Category {
	return &Category{
		ID:    0,
		Title: b.localized(b.opts.CustomCategoryName),
		Slug:  b.localized(Slugify(b.opts.CustomCategoryName)),
	}
}

// primaryCategory is the explicitly chosen primary category, else the first
// category term.
func (b *Builder) primaryCategory(a *content.Article) *Category {
	cats := a.TermsIn("category")
	if a.PrimaryCategoryID != 0 {
		for _, t := range cats {
			if t.ID == a.PrimaryCategoryID {
				c := b.category(t)
				return &c
			}
		}
	}
	if len(cats) == 0 {
		return nil
	}
	c := b.category(cats[0])
	return &c
}

// hierarchical lists terms of every hierarchical taxonomy that is not
// blacklisted, including plain categories.
func (b *Builder) hierarchical(a *content.Article) []Category {
	var out []Category
	for _, t := range a.Terms {
		if !t.Hierarchical || hierarchicalBlacklist[t.Taxonomy] {
			continue
		}
		out = append(out, b.category(t))
	}
	return out
}

func (b *Builder) categories(a *content.Article) []Category {
	var all []Category
	if b.opts.CustomCategory {
		all = append(all, *b.customCategory())
	}
	for _, t := range a.TermsIn("category") {
		all = append(all, b.category(t))
	}
	all = append(all, b.hierarchical(a)...)

	out := make([]Category, 0, len(all))
	seen := make(map[int64]bool)
	for _, c := range all {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

func (b *Builder) taxonTags(a *content.Article) []Category {
	out := []Category{}
	for _, t := range a.Terms {
		if t.Hierarchical || flatBlacklist[t.Taxonomy] {
			continue
		}
		out = append(out, b.category(t))
	}
	return out
}

func (b *Builder) sailthruTags(a *content.Article) []string {
	out := []string{}
	if !b.opts.SailthruEnabled {
		return out
	}
	switch b.opts.SailthruVertical {
	case 1:
		out = append(out, slugs(a.TermsIn("sailthru_functions"))...)
		out = append(out, slugs(a.TermsIn("sailthru_experience_level"))...)
	case 3:
		out = append(out, slugs(a.TermsIn("sailthru_property_type"))...)
	}
	return out
}

// sailthruVars is an empty list when sailthru is off, matching what
// consumers already parse.
func (b *Builder) sailthruVars(a *content.Article) any {
	if !b.opts.SailthruEnabled {
		return []string{}
	}
	return &SailthruVars{
		ContentType: "article",
		Locale:      b.opts.Locale,
		UserType:    slugs(a.TermsIn("sailthru_user_type")),
		UserStatus:  slugs(a.TermsIn("sailthru_user_status")),
	}
}

func slugs(terms []content.Term) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.Slug)
	}
	return out
}

func metaOr(meta map[string]string, key string) string {
	if v := meta[key]; v != "" {
		return v
	}
	return unsetMetaValue
}

// firstDate returns the first value that is set and not the zero CMS date.
func firstDate(values ...string) string {
	for _, v := range values {
		if v != "" && v != "0000-00-00 00:00:00" {
			return v
		}
	}
	return ""
}
