package store

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"vending-controller/internal/nostr"
)

const DefaultMaxEvents = 100000

// Store keeps relay events in memory in arrival order, optionally mirrored
// to a JSON snapshot file.
type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	maxEvents int

	events []storedEvent
	byID   map[nostr.EventID]struct{}
	seq    int64
}

type storedEvent struct {
	Seq   int64       `json:"seq"`
	Event nostr.Event `json:"event"`
}

type Options struct {
	StateFile string
	MaxEvents int
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		stateFile: opts.StateFile,
		maxEvents: opts.MaxEvents,
		byID:      make(map[nostr.EventID]struct{}),
	}
	if s.maxEvents <= 0 {
		s.maxEvents = DefaultMaxEvents
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			log.Error().Err(err).Str("file", s.stateFile).Msg("event store: load failed")
		}
	}
	return s
}

// Add stores ev. It returns false when an event with the same id is already
// stored.
func (s *Store) Add(ev nostr.Event) bool {
	s.mu.Lock()
	if _, ok := s.byID[ev.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.seq++
	s.events = append(s.events, storedEvent{Seq: s.seq, Event: ev})
	s.byID[ev.ID] = struct{}{}
	if over := len(s.events) - s.maxEvents; over > 0 {
		for _, old := range s.events[:over] {
			delete(s.byID, old.Event.ID)
		}
		s.events = append([]storedEvent(nil), s.events[over:]...)
	}
	var snapshot []storedEvent
	if s.stateFile != "" {
		snapshot = append([]storedEvent(nil), s.events...)
	}
	s.mu.Unlock()

	if snapshot != nil {
		s.persistSnapshot(snapshot)
	}
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Query returns the stored events matching any filter, oldest first. A
// filter's limit selects its newest matches.
func (s *Store) Query(filters []nostr.Filter) []nostr.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	picked := make(map[int64]storedEvent)
	for _, f := range filters {
		matches := make([]storedEvent, 0)
		for _, se := range s.events {
			ev := se.Event
			if f.Matches(&ev) {
				matches = append(matches, se)
			}
		}
		sortStored(matches)
		if f.Limit != nil && *f.Limit >= 0 && len(matches) > *f.Limit {
			matches = matches[len(matches)-*f.Limit:]
		}
		for _, se := range matches {
			picked[se.Seq] = se
		}
	}

	result := make([]storedEvent, 0, len(picked))
	for _, se := range picked {
		result = append(result, se)
	}
	sortStored(result)

	out := make([]nostr.Event, len(result))
	for i, se := range result {
		out[i] = se.Event
	}
	return out
}

func sortStored(events []storedEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Event.CreatedAt != events[j].Event.CreatedAt {
			return events[i].Event.CreatedAt < events[j].Event.CreatedAt
		}
		return events[i].Seq < events[j].Seq
	})
}
