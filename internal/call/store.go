package call

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a call id is unknown to the store.
var ErrNotFound = errors.New("call not found")

// Store is an in-memory registry of call records keyed by call id. Records
// for ended calls are kept until swept so the status endpoint can serve
// outcomes.
type Store struct {
	mu           sync.RWMutex
	records      map[string]*Record
	byProviderID map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records:      make(map[string]*Record),
		byProviderID: make(map[string]string),
	}
}

// Save inserts or replaces a record.
func (s *Store) Save(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	if rec.ProviderCallID != "" {
		s.byProviderID[rec.ProviderCallID] = rec.ID
	}
}

// Get returns a copy of the record for the given call id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// GetByProviderID resolves a carrier call sid to a record copy.
func (s *Store) GetByProviderID(providerID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProviderID[providerID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Update applies fn to the record under the write lock. fn receives the live
// record and may mutate it in place.
func (s *Store) Update(id string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	before := rec.ProviderCallID
	fn(rec)
	if rec.ProviderCallID != "" && rec.ProviderCallID != before {
		s.byProviderID[rec.ProviderCallID] = rec.ID
	}
	return nil
}

// AppendTranscript adds one utterance to the call's transcript.
func (s *Store) AppendTranscript(id string, entry TranscriptEntry) error {
	return s.Update(id, func(rec *Record) {
		rec.Transcript = append(rec.Transcript, entry)
	})
}

// Active returns copies of all records whose status is not terminal.
func (s *Store) Active() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if !IsTerminalStatus(rec.Status) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// CleanupEnded removes terminal records that ended before the cutoff and
// returns how many were removed.
func (s *Store) CleanupEnded(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if !IsTerminalStatus(rec.Status) {
			continue
		}
		ended := rec.EndedAt
		if ended.IsZero() {
			ended = rec.CreatedAt
		}
		if ended.Before(cutoff) {
			delete(s.records, id)
			if rec.ProviderCallID != "" {
				delete(s.byProviderID, rec.ProviderCallID)
			}
			removed++
		}
	}
	return removed
}

func cloneRecord(rec *Record) Record {
	out := *rec
	if rec.Transcript != nil {
		out.Transcript = make([]TranscriptEntry, len(rec.Transcript))
		copy(out.Transcript, rec.Transcript)
	}
	if rec.Outcome != nil {
		o := *rec.Outcome
		out.Outcome = &o
	}
	return out
}
