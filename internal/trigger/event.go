// Package trigger decides which content change notifications become BUS
// dispatches.
package trigger

import (
	"fmt"

	"github.com/austindbirch/bus_relay/internal/bus"
	"github.com/austindbirch/bus_relay/internal/content"
)

// ContentChangeEvent is one lifecycle notification from the CMS. Kind and
// Action select the variant; the remaining fields belong to one kind only.
//
// Articles are driven by their status transition: Action is informational
// except that a deletion without statuses is read as publish to trash.
type ContentChangeEvent struct {
	Kind   bus.Kind   `json:"kind"`
	Action bus.Action `json:"action"`
	ID     int64      `json:"id"`

	// article
	PostType  string `json:"post_type,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	ParentID  int64  `json:"parent_id,omitempty"` // set when ID is a revision
	Autosave  bool   `json:"autosave,omitempty"`

	// author
	Roles []string `json:"roles,omitempty"`

	// term
	Taxonomy string `json:"taxonomy,omitempty"`

	// Record is the entity as the CMS saw it. Deletions use it when the
	// entity can no longer be read.
	Record *content.Record `json:"record,omitempty"`
}

// ArticleTransition is an article moving from one status to another.
func ArticleTransition(id int64, postType, oldStatus, newStatus string) ContentChangeEvent {
	return ContentChangeEvent{
		Kind:      bus.KindArticle,
		Action:    bus.ActionUpdated,
		ID:        id,
		PostType:  postType,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}
}

func AuthorChange(action bus.Action, id int64, roles []string) ContentChangeEvent {
	return ContentChangeEvent{Kind: bus.KindAuthor, Action: action, ID: id, Roles: roles}
}

func TermChange(action bus.Action, id int64, taxonomy string) ContentChangeEvent {
	return ContentChangeEvent{Kind: bus.KindTopic, Action: action, ID: id, Taxonomy: taxonomy}
}

// Validate checks the discriminators and normalizes kind aliases.
func (e *ContentChangeEvent) Validate() error {
	kind, err := bus.ParseKind(string(e.Kind))
	if err != nil {
		return err
	}
	e.Kind = kind
	switch e.Action {
	case bus.ActionCreated, bus.ActionUpdated, bus.ActionDeleted:
	case "":
		if kind != bus.KindArticle {
			return fmt.Errorf("%s event without action", kind)
		}
		e.Action = bus.ActionUpdated
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.ID <= 0 {
		return fmt.Errorf("%s event without id", kind)
	}
	return nil
}

// Decision values, also used for busrelay_trigger_decisions_total.
const (
	DecisionIgnored      = "ignored"
	DecisionDeduplicated = "deduplicated"
	DecisionDispatched   = "dispatched"
	DecisionScheduled    = "scheduled"
	DecisionSkipped      = "skipped"
)

// Decision is what Handle did with an event.
type Decision struct {
	Kind      bus.Kind      `json:"kind"`
	EntityID  int64         `json:"entity_id"`
	EventType bus.EventType `json:"event_type,omitempty"`
	Decision  string        `json:"decision"`
	Reason    string        `json:"reason,omitempty"`
	Outcome   string        `json:"outcome,omitempty"` // outcome of an immediate dispatch
}
