// Package chatlist holds the in-memory conversation list: ordering,
// filtering, unread state, and the generation counter that keeps slow
// refreshes from clobbering newer data. The sqlite snapshot behind it is a
// warm-start cache, never the source of truth.
package chatlist

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acamacho/chatsync/internal/bridge"
	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/store"
	"go.uber.org/zap"
)

// defaultFollowUpAfter marks chats where the operator spoke last and the
// contact has been silent for this long.
const defaultFollowUpAfter = 24 * time.Hour

// Fetcher is the slice of the bridge client the store needs.
type Fetcher interface {
	ListChats(ctx context.Context) ([]bridge.ChatSummary, error)
}

// filterMode selects which predicate (at most one) is active.
type filterMode int

const (
	filterNone filterMode = iota
	filterText
	filterTag
)

// Store is the authoritative in-process view of the conversation list.
type Store struct {
	fetch  Fetcher
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	followUpAfter time.Duration
	now           func() time.Time

	mu         sync.Mutex
	generation uint64
	chats      map[string]store.Chat
	mode       filterMode
	textFilter string
	tagFilter  int64
}

// NewStore creates the chat list backed by the given fetcher and snapshot
// database. The db may be warm from a previous run; call LoadSnapshot to
// surface it before the first bridge refresh.
func NewStore(f Fetcher, db *store.DB, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		fetch:         f,
		db:            db,
		bus:           b,
		logger:        logger,
		followUpAfter: defaultFollowUpAfter,
		now:           time.Now,
		chats:         make(map[string]store.Chat),
	}
}

// LoadSnapshot fills the list from the sqlite cache so the operator sees
// something immediately while the first refresh is in flight.
func (s *Store) LoadSnapshot() error {
	chats, err := s.db.ListChats()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.chats) == 0 {
		for _, c := range chats {
			s.chats[c.ID] = c
		}
	}
	s.mu.Unlock()
	return nil
}

// Refresh replaces the whole list from the bridge. Each call advances the
// generation; a fetch that returns after a newer one began is discarded.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	summaries, err := s.fetch.ListChats(ctx)
	if err != nil {
		return err
	}

	chats := make([]store.Chat, 0, len(summaries))
	for _, sum := range summaries {
		chats = append(chats, fromSummary(sum))
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("discarding stale chat list fetch", zap.Uint64("generation", gen))
		}
		return nil
	}
	s.chats = make(map[string]store.Chat, len(chats))
	for _, c := range chats {
		s.chats[c.ID] = c
	}
	s.mu.Unlock()

	s.persistReplace(chats)
	s.bus.Publish(bus.Now(bus.KindChatsReplaced, len(chats)))
	return nil
}

// Apply upserts one chat, typically from an inbound bridge push.
func (s *Store) Apply(sum bridge.ChatSummary) {
	c := fromSummary(sum)
	s.mu.Lock()
	s.chats[c.ID] = c
	s.mu.Unlock()

	s.persistUpsert(c)
	s.bus.Publish(bus.Now(bus.KindChatUpdated, c))
}

// MarkReadLocal clears the unread counter optimistically; the bridge call
// happens elsewhere and its failure never rolls this back.
func (s *Store) MarkReadLocal(chatID string) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if ok && c.UnreadCount != 0 {
		c.UnreadCount = 0
		s.chats[chatID] = c
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.persistUpsert(c)
	s.bus.Publish(bus.Now(bus.KindChatUpdated, c))
}

// SetPinnedLocal mirrors a pin change that was already accepted by the
// bridge.
func (s *Store) SetPinnedLocal(chatID string, pinned bool) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	if ok {
		c.IsPinned = pinned
		s.chats[chatID] = c
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.persistUpsert(c)
	s.bus.Publish(bus.Now(bus.KindChatUpdated, c))
}

// Get returns one chat by id.
func (s *Store) Get(chatID string) (store.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	return c, ok
}

// All returns every chat, pinned first, then newest activity first.
func (s *Store) All() []store.Chat {
	s.mu.Lock()
	out := make([]store.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	s.mu.Unlock()
	sortChats(out)
	return out
}

// SetTextFilter activates a case-insensitive substring filter over chat
// name and id. It displaces any tag filter; only one predicate is live.
func (s *Store) SetTextFilter(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q = strings.TrimSpace(q)
	if q == "" {
		s.mode = filterNone
		s.textFilter = ""
		return
	}
	s.mode = filterText
	s.textFilter = strings.ToLower(q)
	s.tagFilter = 0
}

// SetTagFilter shows only chats carrying the given tag, displacing any text
// filter.
func (s *Store) SetTagFilter(tagID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = filterTag
	s.tagFilter = tagID
	s.textFilter = ""
}

// ClearFilter restores the unfiltered view.
func (s *Store) ClearFilter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = filterNone
	s.textFilter = ""
	s.tagFilter = 0
}

// Visible returns the sorted list with the active filter applied.
func (s *Store) Visible() []store.Chat {
	s.mu.Lock()
	mode, text, tag := s.mode, s.textFilter, s.tagFilter
	all := make([]store.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		all = append(all, c)
	}
	s.mu.Unlock()

	out := all[:0]
	for _, c := range all {
		switch mode {
		case filterText:
			name := strings.ToLower(c.DisplayName)
			if !strings.Contains(name, text) && !strings.Contains(strings.ToLower(c.ID), text) {
				continue
			}
		case filterTag:
			if !slices.Contains(c.TagIDs, tag) {
				continue
			}
		}
		out = append(out, c)
	}
	sortChats(out)
	return out
}

// NeedsFollowUp reports whether the operator spoke last and the contact has
// been silent past the follow-up window.
func (s *Store) NeedsFollowUp(c store.Chat) bool {
	if !c.LastFromOperator || c.LastMessageAt == 0 {
		return false
	}
	age := s.now().Sub(time.Unix(c.LastMessageAt, 0))
	return age > s.followUpAfter
}

// FollowUps returns the chats currently flagged for follow-up, sorted.
func (s *Store) FollowUps() []store.Chat {
	all := s.All()
	out := all[:0]
	for _, c := range all {
		if s.NeedsFollowUp(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) persistReplace(chats []store.Chat) {
	if err := s.db.ReplaceChats(chats); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to persist chat snapshot", zap.Error(err))
		}
		return
	}
	if err := s.db.SetSyncState("chats_last_refresh", s.now().UTC().Format(time.RFC3339)); err != nil && s.logger != nil {
		s.logger.Warn("failed to record refresh checkpoint", zap.Error(err))
	}
}

func (s *Store) persistUpsert(c store.Chat) {
	if err := s.db.UpsertChat(&c); err != nil && s.logger != nil {
		s.logger.Warn("failed to persist chat", zap.String("chat", c.ID), zap.Error(err))
	}
}

func fromSummary(sum bridge.ChatSummary) store.Chat {
	return store.Chat{
		ID:               sum.ID,
		DisplayName:      sum.DisplayName,
		LastMessageText:  sum.LastMessageText,
		LastMessageAt:    sum.LastMessageAt,
		UnreadCount:      sum.UnreadCount,
		IsPinned:         sum.IsPinned,
		LastFromOperator: sum.LastFromOperator,
		TagIDs:           sum.TagIDs,
	}
}

// sortChats orders the pinned block on top, each block by most recent
// activity, ties broken by id for stable output.
func sortChats(chats []store.Chat) {
	sort.Slice(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if a.LastMessageAt != b.LastMessageAt {
			return a.LastMessageAt > b.LastMessageAt
		}
		return a.ID < b.ID
	})
}
