package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type persistedEventsFile struct {
	Version int           `json:"version"`
	Events  []storedEvent `json:"events"`
	SavedAt int64         `json:"savedAt"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedEventsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported event store version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, se := range file.Events {
		if err := se.Event.Verify(); err != nil {
			continue
		}
		if _, ok := s.byID[se.Event.ID]; ok {
			continue
		}
		s.events = append(s.events, se)
		s.byID[se.Event.ID] = struct{}{}
		if se.Seq > s.seq {
			s.seq = se.Seq
		}
	}
	return nil
}

// persistSnapshot writes events to a temp file and renames it over the
// state file.
func (s *Store) persistSnapshot(events []storedEvent) {
	path := s.stateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("event store: mkdir failed")
		return
	}

	file := persistedEventsFile{Version: 1, Events: events, SavedAt: time.Now().UnixMilli()}
	data, err := json.Marshal(file)
	if err != nil {
		log.Error().Err(err).Msg("event store: marshal failed")
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Error().Err(err).Msg("event store: create temp failed")
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Error().Err(err).Msg("event store: chmod temp failed")
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Error().Err(err).Msg("event store: write temp failed")
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Error().Err(err).Msg("event store: sync temp failed")
		return
	}
	if err := tmp.Close(); err != nil {
		log.Error().Err(err).Msg("event store: close temp failed")
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Error().Err(err).Msg("event store: rename failed")
	}
}
