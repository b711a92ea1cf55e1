package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User is a chat user known to the wallet; Id is the normalized phone or platform id.
type User struct {
	Id          string    `gorm:"primaryKey;size:100" json:"id"`
	DisplayName string    `gorm:"size:255" json:"display_name"`
	Handle      string    `gorm:"size:100" json:"handle"`
	Address     string    `gorm:"size:64" json:"address"`
	SponsorId   *string   `gorm:"size:100;index" json:"sponsor_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertUser creates the user or refreshes its profile fields.
// SponsorId is only set when the stored row has none.
func (s *Store) UpsertUser(ctx context.Context, user *User) (*User, error) {
	if user == nil || user.Id == "" {
		return nil, errors.New("user id is required")
	}
	row := *user
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "handle", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", user.Id, err)
	}

	stored, err := s.GetUser(ctx, user.Id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("user %s vanished after upsert", user.Id)
	}

	updates := map[string]interface{}{}
	if stored.SponsorId == nil && user.SponsorId != nil && *user.SponsorId != user.Id {
		updates["sponsor_id"] = *user.SponsorId
	}
	if stored.Address == "" && user.Address != "" {
		updates["address"] = user.Address
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.Id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update user %s: %w", user.Id, err)
		}
		return s.GetUser(ctx, user.Id)
	}
	return stored, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}

func (s *Store) SetUserAddress(ctx context.Context, id string, address string) error {
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND (address = '' OR address IS NULL)", id).
		Update("address", address).Error
}

// UsersMissingSignupReward lists users created since `since` with no settled signup reward.
func (s *Store) UsersMissingSignupReward(ctx context.Context, since time.Time) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Where("NOT EXISTS (SELECT 1 FROM action_records ar WHERE ar.kind = ? AND ar.status = ? AND ar.recipient_user_id = users.id)",
			ActionKindSignupReward, ActionStatusSuccess).
		Order("created_at ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list users missing signup reward: %w", err)
	}
	return users, nil
}

// SponsoredUsersMissingLinkReward lists sponsored users created since `since` whose sponsor was not paid yet.
func (s *Store) SponsoredUsersMissingLinkReward(ctx context.Context, since time.Time) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).
		Where("created_at >= ? AND sponsor_id IS NOT NULL AND sponsor_id <> ''", since).
		Where("NOT EXISTS (SELECT 1 FROM action_records ar WHERE ar.kind = ? AND ar.status = ? AND ar.sponsored_user_id = users.id)",
			ActionKindLinkReward, ActionStatusSuccess).
		Order("created_at ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list sponsored users missing link reward: %w", err)
	}
	return users, nil
}
