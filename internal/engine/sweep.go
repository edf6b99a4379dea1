package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/decay"
	"github.com/nidhogg/mnemo/internal/memory"
)

// SweepReport summarizes one decay sweep.
type SweepReport struct {
	Due       int `json:"due"`
	Refreshed int `json:"refreshed"`
	Archived  int `json:"archived"`
	Published int `json:"published"`
}

// Sweep refreshes the cached strength of every memory whose schedule is
// due, then advances those schedules. Memories that decayed below the
// archive threshold have their schedule deactivated and are handed to the
// publisher. Schedules are processed in pages of SweepBatch. Every sweep
// ends by persisting the label table.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	report, err := e.sweep(ctx)
	if ferr := e.index.Flush(ctx); ferr != nil {
		e.logger.Warn("flush label table", zap.Error(ferr))
	}
	return report, err
}

func (e *Engine) sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := e.now()
	mu, err := e.sectorMultipliers(ctx)
	if err != nil {
		return report, err
	}

	for {
		due, err := e.repo.DueSchedules(ctx, now, e.cfg.SweepBatch)
		if err != nil {
			return report, fmt.Errorf("load due schedules: %w", err)
		}
		if len(due) == 0 {
			return report, nil
		}
		report.Due += len(due)

		if err := e.sweepPage(ctx, due, mu, &report); err != nil {
			return report, err
		}
		if len(due) < e.cfg.SweepBatch {
			return report, nil
		}
	}
}

func (e *Engine) sweepPage(ctx context.Context, due []memory.DecaySchedule, mu decay.Multipliers, report *SweepReport) error {
	now := e.now()
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.MemoryID
	}

	mems, err := e.repo.GetMemories(ctx, ids)
	if err != nil {
		return fmt.Errorf("load swept memories: %w", err)
	}
	refreshed, err := decay.BatchUpdate(ctx, mems, e.cfg.Decay.UpdateInterval, now)
	if err != nil {
		return fmt.Errorf("refresh strengths: %w", err)
	}

	strengths := make(map[string]float64, len(refreshed))
	var archive []memory.Memory
	for _, r := range refreshed {
		if r.Updated {
			strengths[r.Memory.ID] = r.Memory.Strength
		}
		if decay.ShouldArchive(r.Memory, mu.Of(r.Memory.SectorID), e.cfg.Decay.ArchiveThreshold, now) {
			archive = append(archive, r.Memory)
		}
	}

	if len(strengths) > 0 {
		n, err := e.repo.UpdateStrengths(ctx, strengths)
		if err != nil {
			return fmt.Errorf("save strengths: %w", err)
		}
		report.Refreshed += int(n)
		for id := range strengths {
			e.cache.drop(id)
		}
		if e.graph != nil {
			if _, err := e.graph.SyncStrengths(ctx, strengths); err != nil {
				e.logger.Warn("graph mirror strength sync failed", zap.Error(err))
			}
		}
	}

	// Archived schedules are deactivated before the rest advance, so a
	// memory is published at most once.
	if len(archive) > 0 {
		archived := make([]string, len(archive))
		for i, m := range archive {
			archived[i] = m.ID
		}
		n, err := e.repo.DeactivateSchedules(ctx, archived)
		if err != nil {
			return fmt.Errorf("deactivate schedules: %w", err)
		}
		report.Archived += int(n)
		report.Published += e.publishArchive(ctx, archive, mu, now)
	}

	if err := e.repo.MarkSwept(ctx, ids, now); err != nil {
		return fmt.Errorf("advance schedules: %w", err)
	}
	return nil
}

func (e *Engine) publishArchive(ctx context.Context, mems []memory.Memory, mu decay.Multipliers, now time.Time) int {
	if e.publisher == nil {
		return 0
	}
	published := 0
	for _, m := range mems {
		c := ArchiveCandidate{
			MemoryID:       m.ID,
			OwnerID:        m.OwnerID,
			ConversationID: m.ConversationID,
			SectorID:       m.SectorID,
			Strength:       mu.Strength(m, now),
			DetectedAt:     now,
		}
		if err := e.publisher.PublishArchive(ctx, c); err != nil {
			e.logger.Warn("publish archive candidate", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		published++
	}
	return published
}

// WarmIndex rebuilds the label table from the vectors persisted in
// PostgreSQL, which stays authoritative over whatever label store the index
// was opened with. When the backend holds fewer vectors than there are
// memories (an in-process backend after a restart) the vectors are written
// back too; otherwise the backend's points are adopted as they are. It
// returns the number of vectors written.
func (e *Engine) WarmIndex(ctx context.Context) (int, error) {
	// An empty restore initializes the index so Stats reflects the backend.
	if _, err := e.index.Restore(ctx, nil); err != nil {
		return 0, fmt.Errorf("open index: %w", err)
	}
	total, err := e.repo.CountMemories(ctx)
	if err != nil {
		return 0, err
	}
	rewrite := e.index.Stats().Stored < total
	apply := e.index.Adopt
	if rewrite {
		apply = e.index.Restore
	}

	restored, adopted := 0, 0
	after := int64(-1)
	for {
		page, err := e.repo.LoadVectors(ctx, after, e.cfg.SweepBatch)
		if err != nil {
			return restored, fmt.Errorf("load vectors: %w", err)
		}
		if len(page) == 0 {
			break
		}
		n, err := apply(ctx, page)
		if rewrite {
			restored += n
		} else {
			adopted += n
		}
		if err != nil {
			return restored, err
		}
		after = page[len(page)-1].Label
		if len(page) < e.cfg.SweepBatch {
			break
		}
	}
	st := e.index.Stats()
	e.logger.Info("vector index warmed",
		zap.Int("restored", restored),
		zap.Int("adopted", adopted),
		zap.Int("memories", total),
		zap.Int64("next_label", st.NextLabel))
	return restored, nil
}
