package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"decendata/internal/repository"
	"decendata/internal/storage"
)

// ReconcileOptions 控制一次对账。
type ReconcileOptions struct {
	DryRun bool
	// Grace 内新固定的内容即使未被引用也不回收，避免与进行中的上传竞争。
	Grace time.Duration
}

// DanglingRef 是引用了未固定内容的记录。
type DanglingRef struct {
	FileID      string `json:"file_id"`
	OwnerID     string `json:"owner_id"`
	ContentHash string `json:"content_hash"`
	Current     bool   `json:"current"`
}

// StatsCorrection 是一次用户统计修正。
type StatsCorrection struct {
	UserID string                  `json:"user_id"`
	Before repository.StorageStats `json:"before"`
	After  repository.StorageStats `json:"after"`
}

// ReconcileReport 汇总对账结果。
type ReconcileReport struct {
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	DryRun        bool              `json:"dry_run"`
	Pinned        int               `json:"pinned"`
	Referenced    int               `json:"referenced"`
	Orphans       []string          `json:"orphans"`
	WithinGrace   []string          `json:"within_grace"`
	UnpinFailures map[string]string `json:"unpin_failures,omitempty"`
	Dangling      []DanglingRef     `json:"dangling"`
	Stats         []StatsCorrection `json:"stats_corrections"`
}

// Reconciler 修复上传与删除流程留下的跨存储偏差。
type Reconciler struct {
	files  repository.FileRepository
	users  repository.UserRepository
	blobs  storage.BlobStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewReconciler(files repository.FileRepository, users repository.UserRepository, blobs storage.BlobStore, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		files:  files,
		users:  users,
		blobs:  blobs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run 回收孤立内容、报告悬空引用并重算用户存储统计。
func (r *Reconciler) Run(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	report := &ReconcileReport{
		StartedAt:     r.now(),
		DryRun:        opts.DryRun,
		Orphans:       []string{},
		WithinGrace:   []string{},
		UnpinFailures: map[string]string{},
		Dangling:      []DanglingRef{},
		Stats:         []StatsCorrection{},
	}

	pins, err := r.blobs.List(ctx)
	if err != nil {
		blobErrorsTotal.WithLabelValues("list").Inc()
		return nil, Upstream("list pinned content", err)
	}
	refs, err := r.files.ListContentRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list content refs: %w", err)
	}

	pinned := make(map[string]storage.PinInfo, len(pins))
	for _, p := range pins {
		pinned[p.ContentHash] = p
	}
	referenced := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		referenced[ref.ContentHash] = struct{}{}
		if _, ok := pinned[ref.ContentHash]; !ok {
			report.Dangling = append(report.Dangling, DanglingRef(ref))
		}
	}
	report.Pinned = len(pinned)
	report.Referenced = len(referenced)

	cutoff := report.StartedAt.Add(-opts.Grace)
	hashes := make([]string, 0, len(pinned))
	for h := range pinned {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	for _, hash := range hashes {
		if _, ok := referenced[hash]; ok {
			continue
		}
		if p := pinned[hash]; !p.PinnedAt.IsZero() && p.PinnedAt.After(cutoff) {
			report.WithinGrace = append(report.WithinGrace, hash)
			continue
		}
		report.Orphans = append(report.Orphans, hash)
		reconcileActionsTotal.WithLabelValues("orphan").Inc()
		if opts.DryRun {
			continue
		}
		if err := r.unpinOrphan(ctx, hash); err != nil {
			report.UnpinFailures[hash] = err.Error()
			r.logger.Warn().Err(err).Str("content_hash", hash).Msg("unpin orphan failed")
		}
	}
	reconcileActionsTotal.WithLabelValues("dangling").Add(float64(len(report.Dangling)))

	if err := r.reconcileStats(ctx, opts.DryRun, report); err != nil {
		return nil, err
	}

	report.FinishedAt = r.now()
	r.logger.Info().
		Bool("dry_run", opts.DryRun).
		Int("pinned", report.Pinned).
		Int("orphans", len(report.Orphans)).
		Int("dangling", len(report.Dangling)).
		Int("stats_corrections", len(report.Stats)).
		Msg("reconciliation finished")
	return report, nil
}

// unpinOrphan 在回收前再确认一次引用，覆盖列举之后才写入的记录。
func (r *Reconciler) unpinOrphan(ctx context.Context, hash string) error {
	ref, err := r.files.HashReferenced(ctx, hash)
	if err != nil {
		return fmt.Errorf("recheck references: %w", err)
	}
	if ref {
		return nil
	}
	if err := r.blobs.Unpin(ctx, hash); err != nil {
		blobErrorsTotal.WithLabelValues("unpin").Inc()
		return err
	}
	return nil
}

func (r *Reconciler) reconcileStats(ctx context.Context, dryRun bool, report *ReconcileReport) error {
	usage, err := r.files.UsageByOwner(ctx)
	if err != nil {
		return fmt.Errorf("aggregate usage: %w", err)
	}
	ids, err := r.users.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	for _, id := range ids {
		user, err := r.users.GetByID(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("user_id", id).Msg("load user for reconciliation")
			continue
		}
		want := usage[id]
		if user.StorageStats == want {
			continue
		}
		report.Stats = append(report.Stats, StatsCorrection{UserID: id, Before: user.StorageStats, After: want})
		reconcileActionsTotal.WithLabelValues("stats").Inc()
		if dryRun {
			continue
		}
		if err := r.users.SetStorageStats(ctx, id, want); err != nil {
			r.logger.Warn().Err(err).Str("user_id", id).Msg("correct storage stats")
		}
	}
	return nil
}

// RunEvery 按固定间隔执行对账，直到 ctx 结束。
func (r *Reconciler) RunEvery(ctx context.Context, interval time.Duration, opts ReconcileOptions) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx, opts); err != nil {
				r.logger.Error().Err(err).Msg("scheduled reconciliation failed")
			}
		}
	}
}
