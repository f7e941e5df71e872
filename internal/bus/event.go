package bus

import "fmt"

// EventType is the name the BUS expects in the envelope "events" list.
type EventType string

const (
	ArticleCreated EventType = "ArticleCreated"
	ArticleUpdated EventType = "ArticleUpdated"
	ArticleDeleted EventType = "ArticleDeleted"
	AuthorCreated  EventType = "AuthorCreated"
	AuthorUpdated  EventType = "AuthorUpdated"
	AuthorDeleted  EventType = "AuthorDeleted"
	TopicCreated   EventType = "TopicCreated"
	TopicUpdated   EventType = "TopicUpdated"
	TopicDeleted   EventType = "TopicDeleted"
)

// Kind is the entity family an event describes; it is also the envelope
// payload key.
type Kind string

const (
	KindArticle Kind = "article"
	KindAuthor  Kind = "author"
	KindTopic   Kind = "topic"
)

// Action is the lifecycle change behind an event.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

var eventTable = map[EventType]struct {
	kind   Kind
	action Action
}{
	ArticleCreated: {KindArticle, ActionCreated},
	ArticleUpdated: {KindArticle, ActionUpdated},
	ArticleDeleted: {KindArticle, ActionDeleted},
	AuthorCreated:  {KindAuthor, ActionCreated},
	AuthorUpdated:  {KindAuthor, ActionUpdated},
	AuthorDeleted:  {KindAuthor, ActionDeleted},
	TopicCreated:   {KindTopic, ActionCreated},
	TopicUpdated:   {KindTopic, ActionUpdated},
	TopicDeleted:   {KindTopic, ActionDeleted},
}

// ParseEventType validates s against the known event names.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if _, ok := eventTable[t]; !ok {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

func (t EventType) Kind() Kind     { return eventTable[t].kind }
func (t EventType) Action() Action { return eventTable[t].action }

func (t EventType) IsDelete() bool { return t.Action() == ActionDeleted }

// EventFor returns the event type for an action on a kind.
func EventFor(k Kind, a Action) (EventType, error) {
	for t, v := range eventTable {
		if v.kind == k && v.action == a {
			return t, nil
		}
	}
	return "", fmt.Errorf("no event for %s %s", k, a)
}

// ParseKind accepts the envelope kind names plus the CMS aliases "post",
// "user", "term", "category" and "tag".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "article", "post":
		return KindArticle, nil
	case "author", "user":
		return KindAuthor, nil
	case "topic", "term", "category", "tag":
		return KindTopic, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Merge picks the event type a pending retry should carry when next is
// scheduled over prev for the same entity. A deletion is only replaced by a
// re-creation, and a pending creation is never downgraded to an update.
func Merge(prev, next EventType) EventType {
	switch {
	case prev == "":
		return next
	case next.IsDelete():
		return next
	case prev.IsDelete() && next.Action() != ActionCreated:
		return prev
	case prev.Action() == ActionCreated && next.Action() == ActionUpdated:
		return prev
	}
	return next
}

// Status values carried in payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusDeleted = "deleted"
)

// Status maps an event type to the payload status. Deleted articles are
// "deleted"; deleted authors and topics are "offline".
func (t EventType) Status() string {
	switch t {
	case ArticleDeleted:
		return StatusDeleted
	case AuthorDeleted, TopicDeleted:
		return StatusOffline
	}
	return StatusOnline
}
