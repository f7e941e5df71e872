package content

import (
	"context"
	"sync"
)

// Memory is an Accessor over in-process maps. It backs tests and the
// snapshot path for entities that no longer exist in the CMS.
type Memory struct {
	mu        sync.RWMutex
	articles  map[int64]Article
	authors   map[int64]Author
	terms     map[int64]Term
	revisions map[int64]int64
}

func NewMemory() *Memory {
	return &Memory{
		articles:  make(map[int64]Article),
		authors:   make(map[int64]Author),
		terms:     make(map[int64]Term),
		revisions: make(map[int64]int64),
	}
}

func (m *Memory) PutArticle(a Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles[a.ID] = a
}

func (m *Memory) PutAuthor(a Author) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authors[a.ID] = a
}

func (m *Memory) PutTerm(t Term) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms[t.ID] = t
}

// PutRevision records revision as a revision of parent.
func (m *Memory) PutRevision(revision, parent int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions[revision] = parent
}

func (m *Memory) DeleteArticle(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.articles, id)
}

func (m *Memory) Article(_ context.Context, id int64) (*Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.articles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) Author(_ context.Context, id int64) (*Author, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) Term(_ context.Context, id int64) (*Term, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) ParentID(_ context.Context, id int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if parent, ok := m.revisions[id]; ok {
		return parent, nil
	}
	if a, ok := m.articles[id]; ok && a.ParentID != 0 && a.PostType == "revision" {
		return a.ParentID, nil
	}
	return id, nil
}
