package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/cache"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/content"
	"github.com/austindbirch/bus_relay/internal/dispatch"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
	"github.com/austindbirch/bus_relay/internal/notify"
	"github.com/austindbirch/bus_relay/internal/retry"
)

// scheduledPublishDelay is how long after a scheduled post goes live its
// Created event is sent.
const scheduledPublishDelay = time.Minute

// Statuses that never produce an article event.
var silentStatuses = map[string]bool{
	"auto-draft": true,
	"draft":      true,
	"inherit":    true,
	"trash":      true,
}

var topicTaxonomies = map[string]bool{
	"category": true,
	"post_tag": true,
	"tag":      true,
}

type Dispatcher interface {
	Configured() bool
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

type Trigger struct {
	cfg        config.Trigger
	cache      cache.Cache
	loader     *content.Loader
	dispatcher Dispatcher
	retries    *retry.Scheduler
	notifier   *notify.Notifier
	now        func() time.Time
	logger     *logging.Logger
}

func New(cfg config.Trigger, c cache.Cache, loader *content.Loader, d Dispatcher, retries *retry.Scheduler, n *notify.Notifier, logger *logging.Logger) *Trigger {
	if cfg.ArticleDedupWindow <= 0 {
		cfg.ArticleDedupWindow = 25 * time.Second
	}
	if cfg.AuthorDedupWindow <= 0 {
		cfg.AuthorDedupWindow = 5 * time.Second
	}
	if len(cfg.PostTypes) == 0 {
		cfg.PostTypes = []string{"post"}
	}
	if len(cfg.AuthorRoles) == 0 {
		cfg.AuthorRoles = []string{"administrator", "editor", "author", "contributor"}
	}
	if logger == nil {
		logger = logging.New("trigger")
	}
	return &Trigger{
		cfg:        cfg,
		cache:      c,
		loader:     loader,
		dispatcher: d,
		retries:    retries,
		notifier:   n,
		now:        time.Now,
		logger:     logger,
	}
}

// Handle applies the filtering rules to ev and dispatches or schedules what
// they allow. Delivery failures never surface here; the returned error is
// for invalid events and for failures of the retry store. CMS lookups that
// fail are retried through the scheduler.
func (t *Trigger) Handle(ctx context.Context, ev ContentChangeEvent) (Decision, error) {
	if err := ev.Validate(); err != nil {
		return Decision{}, err
	}
	var (
		d   Decision
		err error
	)
	switch ev.Kind {
	case bus.KindArticle:
		d, err = t.article(ctx, ev)
	case bus.KindAuthor:
		d, err = t.author(ctx, ev)
	case bus.KindTopic:
		d, err = t.term(ctx, ev)
	}
	if err != nil {
		return d, err
	}
	metrics.RecordTriggerDecision(string(d.Kind), d.Decision)

	log := t.logger.WithContext(ctx).WithEntity(d.EntityID).WithFields(map[string]any{
		"kind":     string(d.Kind),
		"decision": d.Decision,
	})
	if d.EventType != "" {
		log = log.WithEvent(string(d.EventType))
	}
	if d.Reason != "" {
		log = log.WithField("reason", d.Reason)
	}
	log.Debug("content change handled")
	return d, nil
}

func ignore(kind bus.Kind, id int64, reason string) Decision {
	return Decision{Kind: kind, EntityID: id, Decision: DecisionIgnored, Reason: reason}
}

func (t *Trigger) postTypeEnabled(postType string) bool {
	for _, p := range t.cfg.PostTypes {
		if p == postType {
			return true
		}
	}
	return false
}

func articleKey(id int64, suffix string) string {
	return "article:" + strconv.FormatInt(id, 10) + ":" + suffix
}

func authorKey(id int64, suffix string) string {
	return "author:" + strconv.FormatInt(id, 10) + ":" + suffix
}

// firstInWindow reports whether this is the first notification for key in
// window. A cache failure lets the notification through.
func (t *Trigger) firstInWindow(ctx context.Context, key string, window time.Duration) bool {
	ok, err := t.cache.SetNX(ctx, key, "1", window)
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("dedup check failed, continuing")
		return true
	}
	return ok
}

func (t *Trigger) article(ctx context.Context, ev ContentChangeEvent) (Decision, error) {
	if ev.PostType == "" || ev.PostType == "page" {
		return ignore(bus.KindArticle, ev.ID, "post_type"), nil
	}
	if !t.postTypeEnabled(ev.PostType) {
		return ignore(bus.KindArticle, ev.ID, "post_type_disabled"), nil
	}
	if ev.Autosave {
		return ignore(bus.KindArticle, ev.ID, "autosave"), nil
	}

	oldStatus, newStatus := ev.OldStatus, ev.NewStatus
	if ev.Action == bus.ActionDeleted && newStatus == "" {
		oldStatus, newStatus = "publish", "trash"
	}
	if oldStatus == "publish" && newStatus == "trash" {
		return t.articleDeleted(ctx, ev)
	}
	if silentStatuses[newStatus] {
		return ignore(bus.KindArticle, ev.ID, "status_"+newStatus), nil
	}
	if newStatus != "publish" {
		return ignore(bus.KindArticle, ev.ID, "not_published"), nil
	}

	id := t.canonical(ctx, ev)
	d := Decision{Kind: bus.KindArticle, EntityID: id}

	if !t.dispatcher.Configured() {
		return t.notConfigured(ctx, d, bus.ArticleUpdated), nil
	}

	if oldStatus == "future" {
		d.EventType = bus.ArticleCreated
		at := t.now().Add(scheduledPublishDelay)
		if _, err := t.retries.ScheduleAt(ctx, retry.Request{Kind: bus.KindArticle, EntityID: id, EventType: bus.ArticleCreated}, at); err != nil {
			return d, err
		}
		t.markExisting(ctx, id)
		d.Decision = DecisionScheduled
		d.Reason = "scheduled_publish"
		t.notifier.Info(ctx, fmt.Sprintf("Event push queued for article (ID: %d | Mode: %s), scheduled to run in the next minute", id, bus.ArticleCreated))
		return d, nil
	}

	if !t.firstInWindow(ctx, articleKey(id, "triggered"), t.cfg.ArticleDedupWindow) {
		d.Decision = DecisionDeduplicated
		return d, nil
	}

	isNew := t.isNew(ctx, id)
	t.markExisting(ctx, id)

	d.EventType = bus.ArticleUpdated
	d.Decision = DecisionScheduled
	if isNew {
		d.EventType = bus.ArticleCreated
		res, err := t.dispatcher.Dispatch(ctx, dispatch.Request{EventType: bus.ArticleCreated, EntityID: id, Mode: dispatch.ModeImmediate})
		if errors.Is(err, dispatch.ErrNotConfigured) {
			return t.notConfigured(ctx, d, bus.ArticleCreated), nil
		}
		if err != nil {
			return d, err
		}
		d.Decision = DecisionDispatched
		d.Outcome = res.Outcome
	}

	// Not every derived field is settled when the save notification fires,
	// so every publish is confirmed shortly after.
	if _, err := t.retries.ScheduleConfirm(ctx, retry.Request{Kind: bus.KindArticle, EntityID: id, EventType: bus.ArticleUpdated}); err != nil {
		return d, err
	}
	t.notifier.Info(ctx, fmt.Sprintf("Event push queued for article (ID: %d | Mode: %s), scheduled to run in the next minute", id, d.EventType))
	return d, nil
}

func (t *Trigger) articleDeleted(ctx context.Context, ev ContentChangeEvent) (Decision, error) {
	id := t.canonical(ctx, ev)
	d := Decision{Kind: bus.KindArticle, EntityID: id, EventType: bus.ArticleDeleted}
	if !t.dispatcher.Configured() {
		return t.notConfigured(ctx, d, bus.ArticleDeleted), nil
	}
	if !t.firstInWindow(ctx, articleKey(id, "deleted"), t.cfg.ArticleDedupWindow) {
		d.Decision = DecisionDeduplicated
		return d, nil
	}

	snap := t.snapshot(ctx, bus.KindArticle, id, ev.Record)
	res, err := t.dispatcher.Dispatch(ctx, dispatch.Request{EventType: bus.ArticleDeleted, EntityID: id, Snapshot: snap, Mode: dispatch.ModeImmediate})
	if errors.Is(err, dispatch.ErrNotConfigured) {
		return t.notConfigured(ctx, d, bus.ArticleDeleted), nil
	}
	if err != nil {
		return d, err
	}
	if err := t.cache.Delete(ctx, articleKey(id, "existing")); err != nil {
		t.logger.WithContext(ctx).WithEntity(id).WithError(err).Warn("could not clear article marker")
	}
	d.Decision = DecisionDispatched
	d.Outcome = res.Outcome
	return d, nil
}

// canonical resolves ev to its parent article. When the CMS cannot answer
// the event id is used; revisions arrive as inherit and never get here.
func (t *Trigger) canonical(ctx context.Context, ev ContentChangeEvent) int64 {
	id, err := t.loader.Canonical(ctx, bus.KindArticle, ev.ID, ev.ParentID)
	if err != nil {
		t.logger.WithContext(ctx).WithEntity(ev.ID).WithError(err).Warn("parent lookup failed, using event id")
		return ev.ID
	}
	return id
}

// isNew reports whether the article has never been published through the
// relay. A cache failure counts as not new so a re-send is an update.
func (t *Trigger) isNew(ctx context.Context, id int64) bool {
	_, ok, err := t.cache.Get(ctx, articleKey(id, "existing"))
	if err != nil {
		t.logger.WithContext(ctx).WithEntity(id).WithError(err).Warn("article marker lookup failed")
		return false
	}
	return !ok
}

func (t *Trigger) markExisting(ctx context.Context, id int64) {
	if err := t.cache.Set(ctx, articleKey(id, "existing"), "1", 0); err != nil {
		t.logger.WithContext(ctx).WithEntity(id).WithError(err).Warn("could not persist article marker")
	}
}

func (t *Trigger) author(ctx context.Context, ev ContentChangeEvent) (Decision, error) {
	if !t.cfg.AuthorEvents {
		return ignore(bus.KindAuthor, ev.ID, "author_events_disabled"), nil
	}
	if ev.Autosave {
		return ignore(bus.KindAuthor, ev.ID, "autosave"), nil
	}
	et, _ := bus.EventFor(bus.KindAuthor, ev.Action)
	d := Decision{Kind: bus.KindAuthor, EntityID: ev.ID, EventType: et}

	roles := ev.Roles
	if len(roles) == 0 {
		a, err := t.authorRecord(ctx, ev)
		if err != nil {
			return t.deferLookup(ctx, d, err)
		}
		roles = a.Roles
	}
	if !(&content.Author{Roles: roles}).HasAnyRole(t.cfg.AuthorRoles) {
		return ignore(bus.KindAuthor, ev.ID, "not_an_author"), nil
	}
	if !t.dispatcher.Configured() {
		return t.notConfigured(ctx, d, et), nil
	}

	var snap []byte
	switch ev.Action {
	case bus.ActionCreated:
		if err := t.cache.Set(ctx, authorKey(ev.ID, "created"), "1", t.cfg.AuthorDedupWindow); err != nil {
			t.logger.WithContext(ctx).WithEntity(ev.ID).WithError(err).Warn("could not persist author created marker")
		}
	case bus.ActionUpdated:
		if _, ok, _ := t.cache.Get(ctx, authorKey(ev.ID, "created")); ok {
			d.Decision = DecisionIgnored
			d.Reason = "just_created"
			return d, nil
		}
		if !t.firstInWindow(ctx, authorKey(ev.ID, "updated"), t.cfg.AuthorDedupWindow) {
			d.Decision = DecisionDeduplicated
			return d, nil
		}
	case bus.ActionDeleted:
		snap = t.snapshot(ctx, bus.KindAuthor, ev.ID, ev.Record)
	}
	return t.dispatchNow(ctx, d, snap)
}

// authorRecord reads the author for its roles, falling back to the record
// sent with the event.
func (t *Trigger) authorRecord(ctx context.Context, ev ContentChangeEvent) (*content.Author, error) {
	rec, err := t.loader.Load(ctx, bus.KindAuthor, ev.ID, nil)
	if err == nil && rec.Author != nil {
		return rec.Author, nil
	}
	if ev.Record != nil && ev.Record.Author != nil {
		return ev.Record.Author, nil
	}
	if errors.Is(err, content.ErrNotFound) {
		return &content.Author{ID: ev.ID}, nil
	}
	return nil, fmt.Errorf("load author %d: %w", ev.ID, err)
}

// deferLookup schedules d for a later attempt when the CMS could not be read
// to decide on it. The scheduled run reloads the entity.
func (t *Trigger) deferLookup(ctx context.Context, d Decision, cause error) (Decision, error) {
	if !t.dispatcher.Configured() {
		return t.notConfigured(ctx, d, d.EventType), nil
	}
	res, err := t.retries.ScheduleFailure(ctx, retry.Request{
		Kind:      d.Kind,
		EntityID:  d.EntityID,
		EventType: d.EventType,
		LastError: cause.Error(),
		Immediate: true,
	})
	if err != nil {
		return d, err
	}
	t.logger.WithContext(ctx).WithEvent(string(d.EventType)).WithEntity(d.EntityID).WithAttempt(res.Entry.Attempt).
		WithError(cause).Warn("cms lookup failed, event scheduled for retry")
	d.Decision = DecisionScheduled
	d.Reason = "lookup_failed"
	return d, nil
}

func (t *Trigger) term(ctx context.Context, ev ContentChangeEvent) (Decision, error) {
	if !t.cfg.TermEvents {
		return ignore(bus.KindTopic, ev.ID, "term_events_disabled"), nil
	}
	taxonomy := ev.Taxonomy
	if taxonomy == "" && ev.Record != nil && ev.Record.Term != nil {
		taxonomy = ev.Record.Term.Taxonomy
	}
	if !topicTaxonomies[taxonomy] {
		return ignore(bus.KindTopic, ev.ID, "taxonomy"), nil
	}
	et, _ := bus.EventFor(bus.KindTopic, ev.Action)
	d := Decision{Kind: bus.KindTopic, EntityID: ev.ID, EventType: et}

	if err := t.loader.StampTerm(ctx, ev.ID, ev.Action == bus.ActionCreated); err != nil {
		t.logger.WithContext(ctx).WithEntity(ev.ID).WithError(err).Warn("could not stamp term")
	}
	if !t.dispatcher.Configured() {
		return t.notConfigured(ctx, d, et), nil
	}

	var snap []byte
	if ev.Action == bus.ActionDeleted {
		snap = t.snapshot(ctx, bus.KindTopic, ev.ID, ev.Record)
	}
	return t.dispatchNow(ctx, d, snap)
}

func (t *Trigger) dispatchNow(ctx context.Context, d Decision, snap []byte) (Decision, error) {
	res, err := t.dispatcher.Dispatch(ctx, dispatch.Request{EventType: d.EventType, EntityID: d.EntityID, Snapshot: snap, Mode: dispatch.ModeImmediate})
	if errors.Is(err, dispatch.ErrNotConfigured) {
		return t.notConfigured(ctx, d, d.EventType), nil
	}
	if err != nil {
		return d, err
	}
	d.Decision = DecisionDispatched
	d.Outcome = res.Outcome
	return d, nil
}

// snapshot captures an entity that is about to disappear. A missing
// snapshot is logged; the delete is still attempted.
func (t *Trigger) snapshot(ctx context.Context, kind bus.Kind, id int64, fallback *content.Record) []byte {
	snap, err := t.loader.SnapshotOf(ctx, kind, id, fallback)
	if err != nil {
		t.logger.WithContext(ctx).WithEntity(id).WithField("kind", string(kind)).WithError(err).
			Warn("no snapshot for deleted entity, retries will not be able to rebuild it")
		return nil
	}
	return snap
}

func (t *Trigger) notConfigured(ctx context.Context, d Decision, et bus.EventType) Decision {
	d.EventType = et
	d.Decision = DecisionSkipped
	d.Reason = "bus_not_configured"
	t.logger.WithContext(ctx).WithEvent(string(et)).WithEntity(d.EntityID).
		Error("BUS endpoint or credentials missing, event not sent")
	return d
}
