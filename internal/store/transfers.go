package store

import (
	"context"

	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultListLimit = 50

type TransferStore struct {
	db *gorm.DB
}

var _ task.History = (*TransferStore)(nil)

func NewTransferStore(db *gorm.DB) *TransferStore {
	return &TransferStore{db: db}
}

// Save records a finished task. Saving the same session twice overwrites the
// earlier row.
func (s *TransferStore) Save(ctx context.Context, snap task.Snapshot) error {
	row := Transfer{
		SessionID:  snap.SessionID.String(),
		Kind:       snap.Kind.String(),
		PeerAddr:   snap.PeerAddr,
		PeerPort:   snap.PeerPort,
		FileName:   snap.FileName,
		FileSize:   snap.FileSize,
		DataPort:   snap.DataPort,
		Status:     snap.State.String(),
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	if snap.Err != nil {
		row.Error = snap.Err.Error()
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// List returns the most recent transfers first.
func (s *TransferStore) List(ctx context.Context, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var rows []Transfer
	err := s.db.WithContext(ctx).
		Order("finished_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *TransferStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Transfer{}).Count(&n).Error
	return n, err
}
