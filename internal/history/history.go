// Package history keeps the offline cache of a session's location history
// and reconciles it with the remote authoritative sequence on demand.
// Samples are append-only facts, so merging is a monotone union: dedupe by
// timestamp+coordinates, sort ascending, no precedence rules.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"walksync/internal/api"
	"walksync/internal/store"
	"walksync/internal/walk"
)

const fetchAttempts = 3

type Store struct {
	api   api.Client
	cache store.Store
	log   *zap.Logger

	mu  sync.Mutex
	buf map[string][]walk.Sample
}

func New(apiClient api.Client, cache store.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		api:   apiClient,
		cache: cache,
		log:   log,
		buf:   make(map[string][]walk.Sample),
	}
}

func cacheKey(sessionID string) string { return "history:" + sessionID }

// StartSession resets any buffered history for the session.
func (s *Store) StartSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buf, sessionID)
}

// Record appends a sample to the in-memory buffer.
func (s *Store) Record(sessionID string, sample walk.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[sessionID] = append(s.buf[sessionID], sample)
}

// Rekey moves buffered and cached history to a server-assigned session ID.
func (s *Store) Rekey(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	if buf, ok := s.buf[oldID]; ok {
		for i := range buf {
			buf[i].SessionID = newID
		}
		s.buf[newID] = append(s.buf[newID], buf...)
		delete(s.buf, oldID)
	}
	s.mu.Unlock()

	cached, err := s.cached(ctx, oldID)
	if err != nil {
		return err
	}
	if len(cached) == 0 {
		return nil
	}
	for i := range cached {
		cached[i].SessionID = newID
	}
	if err := s.persist(ctx, newID, cached); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey(oldID))
}

// GetHistory merges the local buffer, the persisted cache, and the remote
// sequence, persists the result, and returns it sorted by timestamp. A
// remote fetch that stays unreachable after the retry budget degrades to
// the local view; offline reads never fail outright.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]walk.Sample, error) {
	s.mu.Lock()
	local := append([]walk.Sample(nil), s.buf[sessionID]...)
	s.mu.Unlock()

	cached, err := s.cached(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	remote, err := s.fetchRemote(ctx, sessionID)
	if err != nil {
		s.log.Warn("history fetch degraded to local cache",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	merged := merge(cached, local, remote)
	if err := s.persist(ctx, sessionID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Finalize returns the final merged list for an ended session and clears
// its buffer. The persisted cache is kept for later reads.
func (s *Store) Finalize(ctx context.Context, sessionID string) ([]walk.Sample, error) {
	s.mu.Lock()
	local := s.buf[sessionID]
	delete(s.buf, sessionID)
	s.mu.Unlock()

	cached, err := s.cached(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	merged := merge(cached, local)
	if err := s.persist(ctx, sessionID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) fetchRemote(ctx context.Context, sessionID string) ([]walk.Sample, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		resp, err := s.api.Do(ctx, api.Request{
			Method: http.MethodGet,
			Path:   "/walks/" + sessionID + "/locations",
		})
		if err == nil {
			var samples []walk.Sample
			if err := json.Unmarshal(resp.Data, &samples); err != nil {
				return nil, fmt.Errorf("decode remote history: %w", err)
			}
			return samples, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Store) cached(ctx context.Context, sessionID string) ([]walk.Sample, error) {
	raw, ok, err := s.cache.Get(ctx, cacheKey(sessionID))
	if err != nil || !ok {
		return nil, err
	}
	var samples []walk.Sample
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("decode cached history: %w", err)
	}
	return samples, nil
}

func (s *Store) persist(ctx context.Context, sessionID string, samples []walk.Sample) error {
	raw, err := json.Marshal(samples)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cacheKey(sessionID), raw)
}

// merge unions the given sample lists, deduping on timestamp+coordinates
// and sorting ascending by timestamp.
func merge(lists ...[]walk.Sample) []walk.Sample {
	type identity struct {
		unixNano int64
		lat, lng float64
	}
	seen := make(map[identity]bool)
	var out []walk.Sample
	for _, list := range lists {
		for _, sample := range list {
			id := identity{sample.RecordedAt.UnixNano(), sample.Lat, sample.Lng}
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, sample)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out
}
