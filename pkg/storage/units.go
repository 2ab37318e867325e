package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/workgate/pkg/core"
)

// claimRaceRetries bounds how many candidates ClaimNext tries after losing
// a conditional update to a concurrent claimer.
const claimRaceRetries = 5

// withLeaseCleared adds the assignments that drop a unit's lease.
func withLeaseCleared(updates map[string]any) map[string]any {
	updates["assigned_worker_id"] = ""
	updates["claim_token"] = ""
	updates["claimed_at"] = nil
	updates["claim_expires_at"] = nil
	return updates
}

// claimable restricts a query to units a worker may take at now: pending
// units, and processing units whose lease ended strictly before now and that
// still have attempts left.
func claimable(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"(status = ? OR (status = ? AND claim_expires_at < ? AND attempts < max_attempts))",
			core.UnitPending, core.UnitProcessing, now,
		)
	}
}

// CreateUnits inserts the units of one job and a submitted audit entry for each.
func (s *GormStorage) CreateUnits(ctx context.Context, units []*core.WorkUnit, actor string) error {
	if len(units) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries := make([]*core.AuditEntry, 0, len(units))
		for _, u := range units {
			if u.ID == "" {
				u.ID = uuid.New().String()
			}
			if u.Status == "" {
				u.Status = core.UnitPending
			}
			if u.Lane == "" {
				u.Lane = core.DefaultLane
			}
			entries = append(entries, &core.AuditEntry{
				UnitID:    u.ID,
				JobID:     u.JobID,
				Action:    core.ActionSubmitted,
				Actor:     actor,
				Level:     core.LevelInfo,
				CreatedAt: u.CreatedAt,
			})
		}
		if err := tx.Create(units).Error; err != nil {
			return err
		}
		return tx.Create(entries).Error
	})
}

// ClaimNext fetches and leases the oldest claimable unit.
// Ordering is strict FIFO by creation time, then ordinal, then id.
func (s *GormStorage) ClaimNext(ctx context.Context, p core.ClaimParams) (*core.WorkUnit, error) {
	expires := p.Now.Add(p.Lease)

	for range claimRaceRetries {
		var candidate core.WorkUnit
		q := s.db.WithContext(ctx).Scopes(claimable(p.Now))
		if len(p.Lanes) > 0 {
			q = q.Where("lane IN ?", p.Lanes)
		}
		result := q.Order("created_at ASC, ordinal ASC, id ASC").Limit(1).Find(&candidate)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			return nil, nil
		}

		var claimed *core.WorkUnit
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&core.WorkUnit{}).
				Where("id = ? AND status = ? AND claim_token = ?", candidate.ID, candidate.Status, candidate.ClaimToken).
				Scopes(claimable(p.Now)).
				Updates(map[string]any{
					"status":             core.UnitProcessing,
					"assigned_worker_id": p.WorkerName,
					"claim_token":        p.Token,
					"claimed_at":         p.Now,
					"claim_expires_at":   expires,
					"attempts":           gorm.Expr("attempts + 1"),
					"updated_at":         p.Now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}

			msg := "claimed"
			if candidate.Status == core.UnitProcessing {
				msg = fmt.Sprintf("reclaimed expired lease held by %s", candidate.AssignedWorkerID)
			}
			if err := tx.Create(&core.AuditEntry{
				UnitID:    candidate.ID,
				JobID:     candidate.JobID,
				Action:    core.ActionClaimed,
				Actor:     p.WorkerName,
				Level:     core.LevelInfo,
				Message:   msg,
				CreatedAt: p.Now,
			}).Error; err != nil {
				return err
			}

			var u core.WorkUnit
			if err := tx.First(&u, "id = ?", candidate.ID).Error; err != nil {
				return err
			}
			claimed = &u
			return nil
		})
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

// CompleteUnit marks a unit completed when the caller holds the current token.
func (s *GormStorage) CompleteUnit(ctx context.Context, p core.CompleteParams) (*core.WorkUnit, error) {
	var out *core.WorkUnit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.WorkUnit{}).
			Where("id = ? AND status = ? AND claim_token = ?", p.UnitID, core.UnitProcessing, p.Token).
			Updates(withLeaseCleared(map[string]any{
				"status":       core.UnitCompleted,
				"outputs":      core.StringMap(p.Outputs),
				"last_error":   "",
				"completed_at": p.Now,
				"updated_at":   p.Now,
			}))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fencingError(tx, p.UnitID)
		}

		u, err := reloadWithAudit(tx, p.UnitID, p.Audit, core.ActionCompleted, p.Now)
		out = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailUnit records a failure report. A retryable failure with attempts left
// returns the unit to pending; anything else is terminal. The outcome is
// decided by a single fenced UPDATE so concurrent reporters never read a
// row they are about to write.
func (s *GormStorage) FailUnit(ctx context.Context, p core.FailParams) (*core.WorkUnit, error) {
	updates := withLeaseCleared(map[string]any{
		"status":       core.UnitFailed,
		"last_error":   p.Error,
		"completed_at": p.Now,
		"updated_at":   p.Now,
	})
	if p.Retryable {
		updates["status"] = gorm.Expr("CASE WHEN attempts < max_attempts THEN ? ELSE ? END", string(core.UnitPending), string(core.UnitFailed))
		delete(updates, "completed_at")
	}

	var out *core.WorkUnit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.WorkUnit{}).
			Where("id = ? AND status = ? AND claim_token = ?", p.UnitID, core.UnitProcessing, p.Token).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fencingError(tx, p.UnitID)
		}

		var cur core.WorkUnit
		if err := tx.Select("id", "status").First(&cur, "id = ?", p.UnitID).Error; err != nil {
			return err
		}
		action := core.ActionRetried
		if cur.Status == core.UnitFailed {
			action = core.ActionFailed
			if p.Retryable {
				err := tx.Model(&core.WorkUnit{}).Where("id = ?", p.UnitID).UpdateColumn("completed_at", p.Now).Error
				if err != nil {
					return err
				}
			}
		}

		u, err := reloadWithAudit(tx, p.UnitID, p.Audit, action, p.Now)
		out = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForceUnit applies an operator override regardless of lease state.
func (s *GormStorage) ForceUnit(ctx context.Context, p core.ForceParams) (*core.WorkUnit, bool, error) {
	for range claimRaceRetries {
		var (
			out     *core.WorkUnit
			changed bool
			raced   bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var cur core.WorkUnit
			err := tx.First(&cur, "id = ?", p.UnitID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrUnitNotFound
			}
			if err != nil {
				return err
			}
			if cur.Status == p.To && cur.ClaimToken == "" && cur.ClaimExpiresAt == nil {
				out = &cur
				return nil
			}
			if !slices.Contains(p.From, cur.Status) {
				if cur.Status == core.UnitCompleted {
					return core.ErrAlreadyTerminal
				}
				return fmt.Errorf("%w: %s to %s", core.ErrInvalidAction, cur.Status, p.To)
			}

			updates := withLeaseCleared(map[string]any{
				"status":     p.To,
				"updated_at": p.Now,
			})
			if p.ClearError {
				updates["last_error"] = ""
			}
			if p.IncrementAttempts {
				updates["attempts"] = gorm.Expr("attempts + 1")
			}
			if p.Error != "" {
				updates["last_error"] = p.Error
			}
			if p.To == core.UnitFailed {
				updates["completed_at"] = p.Now
			} else {
				updates["completed_at"] = nil
			}

			result := tx.Model(&core.WorkUnit{}).
				Where("id = ? AND status = ? AND claim_token = ?", cur.ID, cur.Status, cur.ClaimToken).
				Updates(updates)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				raced = true
				return nil
			}

			u, err := reloadWithAudit(tx, cur.ID, p.Audit, p.Audit.Action, p.Now)
			out, changed = u, true
			return err
		})
		if err != nil {
			return nil, false, err
		}
		if !raced {
			return out, changed, nil
		}
	}
	return nil, false, fmt.Errorf("storage: unit %s kept changing during override", p.UnitID)
}

// ReleaseExpired sweeps processing units whose lease ended before now.
func (s *GormStorage) ReleaseExpired(ctx context.Context, now time.Time, limit int) (int64, int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var expired []core.WorkUnit
	err := s.db.WithContext(ctx).
		Where("status = ? AND claim_expires_at < ?", core.UnitProcessing, now).
		Order("claim_expires_at ASC").
		Limit(limit).
		Find(&expired).Error
	if err != nil {
		return 0, 0, err
	}

	var released, failed int64
	for _, u := range expired {
		next := core.UnitPending
		updates := map[string]any{"updated_at": now}
		if u.Attempts >= u.MaxAttempts {
			next = core.UnitFailed
			updates["last_error"] = "lease expired with no attempts left"
			updates["completed_at"] = now
		}
		updates["status"] = next

		var swept bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&core.WorkUnit{}).
				Where("id = ? AND status = ? AND claim_token = ?", u.ID, core.UnitProcessing, u.ClaimToken).
				Updates(withLeaseCleared(updates))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			swept = true
			return tx.Create(&core.AuditEntry{
				UnitID:    u.ID,
				JobID:     u.JobID,
				Action:    core.ActionLeaseExpired,
				Actor:     "system",
				Level:     core.LevelWarning,
				Message:   fmt.Sprintf("lease held by %s expired; unit now %s", u.AssignedWorkerID, next),
				CreatedAt: now,
			}).Error
		})
		if err != nil {
			return released, failed, err
		}
		if !swept {
			continue
		}
		if next == core.UnitFailed {
			failed++
		} else {
			released++
		}
	}
	return released, failed, nil
}

// GetUnit retrieves a unit by ID. Returns nil when it does not exist.
func (s *GormStorage) GetUnit(ctx context.Context, unitID string) (*core.WorkUnit, error) {
	var u core.WorkUnit
	err := s.db.WithContext(ctx).First(&u, "id = ?", unitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUnitsByJob returns a job's units in ordinal order.
func (s *GormStorage) ListUnitsByJob(ctx context.Context, jobID string) ([]*core.WorkUnit, error) {
	var units []*core.WorkUnit
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("ordinal ASC").
		Find(&units).Error
	return units, err
}

// AppendAudit stores a standalone audit entry.
func (s *GormStorage) AppendAudit(ctx context.Context, entry *core.AuditEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// ListAudit returns a unit's audit trail, newest first.
func (s *GormStorage) ListAudit(ctx context.Context, unitID string, limit int) ([]core.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []core.AuditEntry
	err := s.db.WithContext(ctx).
		Where("unit_id = ?", unitID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// fencingError explains why a fenced update matched no row.
func fencingError(tx *gorm.DB, unitID string) error {
	var u core.WorkUnit
	err := tx.Select("id", "status").First(&u, "id = ?", unitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrUnitNotFound
	}
	if err != nil {
		return err
	}
	if u.Status.Terminal() {
		return core.ErrAlreadyTerminal
	}
	return core.ErrInvalidToken
}

// reloadWithAudit writes the audit entry for a transition and returns the
// unit as stored after it.
func reloadWithAudit(tx *gorm.DB, unitID string, entry core.AuditEntry, action core.AuditAction, now time.Time) (*core.WorkUnit, error) {
	var u core.WorkUnit
	if err := tx.First(&u, "id = ?", unitID).Error; err != nil {
		return nil, err
	}
	entry.ID = 0
	entry.UnitID = u.ID
	entry.JobID = u.JobID
	entry.Action = action
	if entry.Level == "" {
		entry.Level = core.LevelInfo
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
