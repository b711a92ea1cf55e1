package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrConflict means another record already owns the (kind, conflict_key) target.
	ErrConflict = errors.New("conflicting action record exists")
	// ErrRecordFinal means the stored record is in a terminal status and was not changed.
	ErrRecordFinal = errors.New("action record is already final")
)

// mutable columns written by Upsert; payload columns are fixed at creation.
var actionUpsertColumns = []string{
	"status",
	"recipient_address",
	"recipients",
	"transaction_hash",
	"user_operation_hash",
	"amount_in",
	"amount_out",
	"token_out",
	"attempts",
	"last_error",
	"updated_at",
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// InsertIfAbsent creates rec unless a row with the same (kind, dedup_key) exists.
// It returns the stored row and whether this call created it.
// When the insert is refused by the conflict index, the conflicting row is returned with ErrConflict.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *ActionRecord) (*ActionRecord, bool, error) {
	if rec == nil {
		return nil, false, errors.New("action record is nil")
	}
	if rec.Kind == "" || rec.DedupKey == "" {
		return nil, false, errors.New("action record kind and dedup key are required")
	}
	if rec.Status == "" {
		rec.Status = ActionStatusPending
	}
	if rec.DateAdded.IsZero() {
		rec.DateAdded = time.Now().UTC()
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert action record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}

	existing, err := s.FindByKey(ctx, rec.Kind, rec.DedupKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if rec.ConflictKey != nil {
		other, err := s.FindByConflictKey(ctx, rec.Kind, *rec.ConflictKey)
		if err != nil {
			return nil, false, err
		}
		if other != nil {
			return other, false, ErrConflict
		}
	}
	return nil, false, fmt.Errorf("insert action record %s/%s refused without a visible owner", rec.Kind, rec.DedupKey)
}

func (s *Store) FindByKey(ctx context.Context, kind ActionKind, dedupKey string) (*ActionRecord, error) {
	var rec ActionRecord
	err := s.db.WithContext(ctx).
		Where("kind = ? AND dedup_key = ?", kind, dedupKey).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find action record: %w", err)
	}
	return &rec, nil
}

func (s *Store) FindByConflictKey(ctx context.Context, kind ActionKind, conflictKey string) (*ActionRecord, error) {
	var rec ActionRecord
	err := s.db.WithContext(ctx).
		Where("kind = ? AND conflict_key = ?", kind, conflictKey).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find action record by conflict key: %w", err)
	}
	return &rec, nil
}

// Upsert writes the mutable columns of rec keyed by (kind, dedup_key).
// date_added, created_at and the settlement payload are never overwritten.
// A row that already reached a terminal status is left untouched: rec is reloaded from it
// and ErrRecordFinal is returned.
func (s *Store) Upsert(ctx context.Context, rec *ActionRecord) error {
	if rec == nil {
		return errors.New("action record is nil")
	}
	row := *rec
	row.ID = 0
	row.CreatedAt = time.Time{}
	if row.DateAdded.IsZero() {
		row.DateAdded = time.Now().UTC()
	}

	var stored ActionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current ActionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("kind = ? AND dedup_key = ?", rec.Kind, rec.DedupKey).
			Take(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case current.Status.IsTerminal():
			stored = current
			return ErrRecordFinal
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "dedup_key"}},
			DoUpdates: clause.AssignmentColumns(actionUpsertColumns),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("kind = ? AND dedup_key = ?", rec.Kind, rec.DedupKey).Take(&stored).Error
	})
	if errors.Is(err, ErrRecordFinal) {
		*rec = stored
		return ErrRecordFinal
	}
	if err != nil {
		return fmt.Errorf("upsert action record %s/%s: %w", rec.Kind, rec.DedupKey, err)
	}
	*rec = stored
	return nil
}

// ListByStatus returns records in status added at or before addedBefore, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status ActionStatus, addedBefore time.Time, limit int) ([]ActionRecord, error) {
	var recs []ActionRecord
	q := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("date_added ASC, id ASC")
	if !addedBefore.IsZero() {
		q = q.Where("date_added <= ?", addedBefore)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list action records: %w", err)
	}
	return recs, nil
}

// EarliestInboundTransfer returns the first settled transfer to userId sent by someone else.
func (s *Store) EarliestInboundTransfer(ctx context.Context, userId string) (*ActionRecord, error) {
	var rec ActionRecord
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND recipient_user_id = ? AND sender_id <> ?",
			ActionKindTransfer, ActionStatusSuccess, userId, userId).
		Where("transaction_hash <> ''").
		Order("date_added ASC, id ASC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find earliest inbound transfer: %w", err)
	}
	return &rec, nil
}

// ListAddedBetween is used by exports; kind may be empty for all kinds.
func (s *Store) ListAddedBetween(ctx context.Context, kind ActionKind, from, to time.Time) ([]ActionRecord, error) {
	var recs []ActionRecord
	q := s.db.WithContext(ctx).
		Where("date_added >= ? AND date_added < ?", from, to).
		Order("date_added ASC, id ASC")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list action records: %w", err)
	}
	return recs, nil
}

// CountByStatus groups records of a kind by status.
func (s *Store) CountByStatus(ctx context.Context, kind ActionKind) (map[ActionStatus]int64, error) {
	type row struct {
		Status ActionStatus
		Total  int64
	}
	var rows []row
	q := s.db.WithContext(ctx).Model(&ActionRecord{}).Select("status, COUNT(*) AS total").Group("status")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count action records: %w", err)
	}
	result := make(map[ActionStatus]int64, len(rows))
	for _, r := range rows {
		result[r.Status] = r.Total
	}
	return result, nil
}
