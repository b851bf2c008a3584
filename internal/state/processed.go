package state

import (
	"log/slog"
	"os"
	"time"

	"github.com/alekspetrov/overseer/internal/queue"
)

// processedEntry is one record in processed-issues.json.
type processedEntry struct {
	ProcessedAt time.Time `json:"processed_at"`
}

// loadProcessedCache primes the in-memory cache from disk. Called once at
// store construction; the cache is write-through afterwards.
func (s *Store) loadProcessedCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed = make(map[string]bool)
	entries := make(map[string]processedEntry)
	if err := s.readJSON(processedIssueFile, &entries); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Corrupt processed set degrades to an empty window, not a failure.
		s.log.Warn("Resetting unreadable processed-issue set", slog.Any("error", err))
		return nil
	}
	for key := range entries {
		s.processed[key] = true
	}
	return nil
}

// IsIssueProcessed reports whether the issue was already handled in the
// current observation window.
func (s *Store) IsIssueProcessed(ref queue.IssueRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[ref.Key()]
}

// MarkIssueProcessed records the issue as handled, writing through to disk.
func (s *Store) MarkIssueProcessed(ref queue.IssueRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processed[ref.Key()] {
		return nil
	}
	s.processed[ref.Key()] = true

	entries := make(map[string]processedEntry)
	if err := s.readJSON(processedIssueFile, &entries); err != nil && !os.IsNotExist(err) {
		return err
	}
	entries[ref.Key()] = processedEntry{ProcessedAt: time.Now()}
	return s.writeJSON(processedIssueFile, entries)
}

// UnmarkIssueProcessed removes an issue from the processed set so it becomes
// eligible for re-enqueue (used when new activity arrives on a known issue).
func (s *Store) UnmarkIssueProcessed(ref queue.IssueRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.processed[ref.Key()] {
		return nil
	}
	delete(s.processed, ref.Key())

	entries := make(map[string]processedEntry)
	if err := s.readJSON(processedIssueFile, &entries); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(entries, ref.Key())
	return s.writeJSON(processedIssueFile, entries)
}

// PruneProcessed drops entries older than maxAge from the processed set and
// returns how many were removed.
func (s *Store) PruneProcessed(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]processedEntry)
	if err := s.readJSON(processedIssueFile, &entries); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, entry := range entries {
		if entry.ProcessedAt.Before(cutoff) {
			delete(entries, key)
			delete(s.processed, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.writeJSON(processedIssueFile, entries)
}
