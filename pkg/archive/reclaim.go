package archive

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// ReclaimThreshold is the usage ratio above which Reclaim deletes entries.
const ReclaimThreshold = 0.9

// ReclaimResult reports one reclamation pass.
type ReclaimResult struct {
	Deleted     int   `json:"deleted"`
	FreedBytes  int64 `json:"freedBytes"`
	UsageBefore int64 `json:"usageBefore"`
	UsageAfter  int64 `json:"usageAfter"`
	Capacity    int64 `json:"capacity"`
}

// Reclaim frees space when usage exceeds ReclaimThreshold of the capacity.
// It deletes the oldest tenth of the entries, then keeps deleting the oldest
// remaining entry until usage is at or below the threshold.
func (s *Store) Reclaim() (ReclaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := ReclaimResult{Capacity: s.capacity}
	if s.capacity <= 0 {
		return res, nil
	}

	entries, err := s.scan()
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		res.UsageBefore += e.Size
	}
	res.UsageAfter = res.UsageBefore

	limit := int64(float64(s.capacity) * ReclaimThreshold)
	if res.UsageBefore <= limit {
		return res, nil
	}

	sortNewestFirst(entries)
	batch := int(math.Ceil(float64(len(entries)) / 10))
	for i := len(entries) - 1; i >= 0; i-- {
		if res.Deleted >= batch && res.UsageAfter <= limit {
			break
		}
		e := entries[i]
		stem := e.Filename[:len(e.Filename)-len(rawExt)]
		if err := s.removeStem(stem); err != nil {
			s.logger.Warn("failed to reclaim archive entry", zap.String("id", e.EmailID), zap.Error(err))
			continue
		}
		res.Deleted++
		res.FreedBytes += e.Size
		res.UsageAfter -= e.Size
	}

	s.logger.Info("archive reclaimed",
		zap.Int("deleted", res.Deleted),
		zap.Int64("freed_bytes", res.FreedBytes),
		zap.Int64("usage_after", res.UsageAfter),
		zap.Int64("capacity", s.capacity))
	return res, nil
}

// Run calls Reclaim every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.capacity <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reclaim(); err != nil {
				s.logger.Error("archive reclamation failed", zap.Error(err))
			}
		}
	}
}
