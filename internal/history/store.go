// Package history holds the paginated, deduplicated window of confirmed
// messages for one conversation, paged backward in time.
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/edumarket/chatcore/internal/logger"
	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/pkg/apperrors"
)

// PageFetcher is the slice of the REST client the store needs.
type PageFetcher interface {
	FetchPage(ctx context.Context, conversationID string, page, size int) ([]message.Message, bool, error)
}

// Page is the result of one history load.
type Page struct {
	Messages []message.Message
	HasMore  bool
}

type load struct {
	done chan struct{}
	page Page
	err  error
}

// Store is the history window. Page loads are serialized: a LoadNextPage
// while one is outstanding coalesces onto the in-flight result instead of
// issuing a second fetch.
type Store struct {
	fetch    PageFetcher
	cache    *Cache // optional, may be nil
	pageSize int

	mu       sync.Mutex
	convID   string
	window   []message.Message
	ids      map[string]int // id -> index into window
	nextPage int
	hasMore  bool
	inflight *load
}

func NewStore(fetch PageFetcher, cache *Cache, conversationID string, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Store{
		fetch:    fetch,
		cache:    cache,
		pageSize: pageSize,
		convID:   conversationID,
		ids:      make(map[string]int),
		hasMore:  true,
	}
}

// Prime fills the window from the local cache so a reopened conversation
// paints before the first page fetch lands. Cache trouble is logged, never
// fatal.
func (s *Store) Prime() {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, err := s.cache.Recent(s.convID, s.pageSize)
	if err != nil {
		logger.L.Warn("history cache read failed", "conversation", s.convID, "error", err)
		return
	}
	for _, m := range cached {
		s.insertLocked(m, false)
	}
}

// LoadNextPage fetches the next older page. Concurrent calls while a load
// is outstanding return the in-flight result. A page that resolves after
// Reset switched the conversation is discarded.
func (s *Store) LoadNextPage(ctx context.Context) (Page, error) {
	s.mu.Lock()
	if !s.hasMore {
		s.mu.Unlock()
		return Page{}, nil
	}
	if s.inflight != nil {
		l := s.inflight
		s.mu.Unlock()
		<-l.done
		return l.page, l.err
	}
	l := &load{done: make(chan struct{})}
	s.inflight = l
	conv := s.convID
	pageIdx := s.nextPage
	s.mu.Unlock()

	msgs, hasMore, err := s.fetch.FetchPage(ctx, conv, pageIdx, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(l.done)
	if s.inflight == l {
		s.inflight = nil
	}
	if s.convID != conv {
		// Stale response for an abandoned conversation.
		logger.L.Debug("dropping stale history page", "conversation", conv, "page", pageIdx)
		l.err = apperrors.New(apperrors.CodeNotFound, "conversation switched while page was in flight")
		return l.page, l.err
	}
	if err != nil {
		l.err = err
		return l.page, l.err
	}

	fresh := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if s.insertLocked(m, true) {
			fresh = append(fresh, m)
		}
	}
	s.nextPage++
	s.hasMore = hasMore
	l.page = Page{Messages: fresh, HasMore: hasMore}
	return l.page, nil
}

// UpsertLive inserts a message arriving from the push transport. Inserting
// an id already present is a no-op, so an event both fetched and pushed
// lands once.
func (s *Store) UpsertLive(m message.Message) {
	if m.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(m, true)
}

// PatchFields is the subset of a message an edit may change.
type PatchFields struct {
	Content *string
	Kind    *message.Kind
}

// Patch applies an in-place edit; absent ids are a no-op.
func (s *Store) Patch(id string, fields PatchFields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ids[id]
	if !ok {
		return
	}
	if fields.Content != nil {
		s.window[idx].Content = *fields.Content
	}
	if fields.Kind != nil {
		s.window[idx].Kind = *fields.Kind
	}
	s.cachePut(s.window[idx])
}

// Remove deletes a message from the window; absent ids are a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ids[id]
	if !ok {
		return
	}
	s.window = append(s.window[:idx], s.window[idx+1:]...)
	delete(s.ids, id)
	for i := idx; i < len(s.window); i++ {
		s.ids[s.window[i].ID] = i
	}
	if s.cache != nil {
		if err := s.cache.Delete(id); err != nil {
			logger.L.Warn("history cache delete failed", "id", id, "error", err)
		}
	}
}

// Get returns the message with the given id, if present.
func (s *Store) Get(id string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ids[id]
	if !ok {
		return message.Message{}, false
	}
	return s.window[idx], true
}

// Messages returns the window newest-first, ties broken by id.
func (s *Store) Messages() []message.Message {
	s.mu.Lock()
	out := make([]message.Message, len(s.window))
	copy(out, s.window)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasMore reports whether older pages remain.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Len returns the number of messages in the window.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

// Reset clears the window, cursor and has-more flag for a conversation
// switch. Any in-flight load becomes stale and its response is dropped.
func (s *Store) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convID = conversationID
	s.window = nil
	s.ids = make(map[string]int)
	s.nextPage = 0
	s.hasMore = true
	s.inflight = nil
}

// insertLocked adds m unless its id is already present. Returns true when
// the message was new.
func (s *Store) insertLocked(m message.Message, persist bool) bool {
	if _, exists := s.ids[m.ID]; exists {
		return false
	}
	s.ids[m.ID] = len(s.window)
	s.window = append(s.window, m)
	if persist {
		s.cachePut(m)
	}
	return true
}

func (s *Store) cachePut(m message.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(m); err != nil {
		logger.L.Warn("history cache write failed", "id", m.ID, "error", err)
	}
}
