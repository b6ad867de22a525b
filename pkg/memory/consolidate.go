package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/groundline-ai/groundline/pkg/log"
)

// Consolidation tunables.
const (
	decayAfter      = 30 * 24 * time.Hour
	decayFactor     = 0.95
	mergeSimilarity = 0.7
	pruneBelow      = 0.1
	defaultCronSpec = "@hourly"
)

// ConsolidationResult summarizes one consolidation pass.
type ConsolidationResult struct {
	Decayed int
	Merged  int
	Pruned  int
}

// Consolidate runs decay, merge, and prune over the archival tier. The
// pass is idempotent: running it twice in a row changes nothing the
// second time (each entry decays at most once per decay window, merge
// leaves no pair above the similarity threshold, prune leaves no entry
// below the floor).
func (s *Service) Consolidate(ctx context.Context) (*ConsolidationResult, error) {
	result := &ConsolidationResult{}
	err := s.submit(ctx, func() error {
		now := time.Now()

		s.mu.Lock()
		entries := make([]*ArchivalEntry, 0, len(s.archival))
		for _, e := range s.archival {
			entries = append(entries, e)
		}
		s.mu.Unlock()

		// Stable order keeps merge winners deterministic.
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
				return entries[i].CreatedAt.Before(entries[j].CreatedAt)
			}
			return entries[i].ID < entries[j].ID
		})

		// Decay old entries. The reference point is the last decay, so
		// an entry loses importance at most once per window and a
		// back-to-back pass decays nothing.
		for _, e := range entries {
			ref := e.CreatedAt
			if e.DecayedAt.After(ref) {
				ref = e.DecayedAt
			}
			if now.Sub(ref) <= decayAfter {
				continue
			}
			s.mu.Lock()
			e.Importance *= decayFactor
			e.DecayedAt = now
			s.mu.Unlock()
			if err := s.updateDecay(e.ID, e.Importance, now); err != nil {
				return err
			}
			result.Decayed++
		}

		// Merge near-duplicates: keep the earlier entry, fold the later
		// one in (importance max, tags unioned).
		removed := map[string]bool{}
		for i := 0; i < len(entries); i++ {
			if removed[entries[i].ID] {
				continue
			}
			for j := i + 1; j < len(entries); j++ {
				if removed[entries[j].ID] {
					continue
				}
				if jaccard(entries[i].Text, entries[j].Text) <= mergeSimilarity {
					continue
				}
				keep, drop := entries[i], entries[j]
				s.mu.Lock()
				if drop.Importance > keep.Importance {
					keep.Importance = drop.Importance
				}
				keep.Tags = unionTags(keep.Tags, drop.Tags)
				delete(s.archival, drop.ID)
				s.mu.Unlock()
				if err := s.updateEntry(keep); err != nil {
					return err
				}
				if _, err := s.db.Exec("DELETE FROM archival WHERE id = ?", drop.ID); err != nil {
					return err
				}
				removed[drop.ID] = true
				result.Merged++
			}
		}

		// Prune entries that decayed away.
		s.mu.Lock()
		var prune []string
		for id, e := range s.archival {
			if e.Importance < pruneBelow {
				prune = append(prune, id)
			}
		}
		for _, id := range prune {
			delete(s.archival, id)
		}
		s.mu.Unlock()
		for _, id := range prune {
			if _, err := s.db.Exec("DELETE FROM archival WHERE id = ?", id); err != nil {
				return err
			}
			result.Pruned++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) updateDecay(id string, importance float64, decayedAt time.Time) error {
	_, err := s.db.Exec("UPDATE archival SET importance = ?, decayed_at = ? WHERE id = ?",
		importance, decayedAt, id)
	return err
}

func (s *Service) updateEntry(e *ArchivalEntry) error {
	tags, _ := json.Marshal(e.Tags)
	_, err := s.db.Exec("UPDATE archival SET importance = ?, tags = ? WHERE id = ?",
		e.Importance, string(tags), e.ID)
	return err
}

// StartConsolidation schedules periodic consolidation. The returned
// stop function blocks until the scheduler has drained.
func (s *Service) StartConsolidation(spec string) (stop func(), err error) {
	if spec == "" {
		spec = defaultCronSpec
	}
	c := cron.New()
	logger := log.WithModule("memory")
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		result, err := s.Consolidate(ctx)
		if err != nil {
			logger.Warn("consolidation failed", "error", err)
			return
		}
		logger.Info("consolidation pass",
			"decayed", result.Decayed, "merged", result.Merged, "pruned", result.Pruned)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
