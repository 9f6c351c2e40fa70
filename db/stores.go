package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chorus/realtime/models"
	"chorus/realtime/services"
)

// Store answers the realtime service's questions from the chat schema. It
// implements every collaborator interface the hub consumes.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var (
	_ services.MembershipStore  = (*Store)(nil)
	_ services.MessageStore     = (*Store)(nil)
	_ services.ProfileStore     = (*Store)(nil)
	_ services.SocialStore      = (*Store)(nil)
	_ services.LastSeenRecorder = (*Store)(nil)
)

func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.RoomInfo, error) {
	var room models.Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return toRoomInfo(room), nil
}

func (s *Store) GetMembership(ctx context.Context, roomID, userID string) (*models.Membership, error) {
	var member models.RoomMember
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load membership %s/%s: %w", roomID, userID, err)
	}
	return toMembership(member), nil
}

// ClearMute lifts an expired mute.
func (s *Store) ClearMute(ctx context.Context, roomID, userID string) error {
	err := s.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Updates(map[string]interface{}{"is_muted": false, "muted_until": nil}).Error
	if err != nil {
		return fmt.Errorf("clear mute %s/%s: %w", roomID, userID, err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg services.NewMessage) (*services.StoredMessage, error) {
	row := models.Message{
		ID:              uuid.NewString(),
		RoomID:          msg.RoomID,
		SenderID:        msg.SenderID,
		Type:            msg.Type,
		Content:         msg.Content,
		ClientMessageID: msg.ClientMessageID,
		Metadata:        models.JSONB(msg.Metadata),
	}
	if row.Metadata == nil {
		row.Metadata = models.JSONB{}
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &services.StoredMessage{ID: row.ID, CreatedAt: row.CreatedAt}, nil
}

func (s *Store) CreateDirectMessage(ctx context.Context, msg services.NewDirectMessage) (*services.StoredMessage, error) {
	row := models.DirectMessage{
		ID:              uuid.NewString(),
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		Content:         msg.Content,
		ClientMessageID: msg.ClientMessageID,
		Metadata:        models.JSONB(msg.Metadata),
	}
	if row.Metadata == nil {
		row.Metadata = models.JSONB{}
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("insert direct message: %w", err)
	}
	return &services.StoredMessage{ID: row.ID, CreatedAt: row.CreatedAt}, nil
}

func (s *Store) GetPublicProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Select("id", "display_name", "avatar", "is_banned").
		Where("id = ?", userID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return toProfile(user), nil
}

func (s *Store) GetFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Follow{}).
		Where("followee_id = ?", userID).
		Pluck("follower_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load followers of %s: %w", userID, err)
	}
	return ids, nil
}

func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Block{}).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check block %s->%s: %w", blockerID, blockedID, err)
	}
	return n > 0, nil
}

// RecordLastSeen only ever moves last_seen_at forward.
func (s *Store) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", userID, at).
		Update("last_seen_at", at).Error
	if err != nil {
		return fmt.Errorf("record last seen for %s: %w", userID, err)
	}
	return nil
}

func toRoomInfo(room models.Room) *models.RoomInfo {
	return &models.RoomInfo{
		ID:       room.ID,
		Name:     room.Name,
		OwnerID:  room.OwnerID,
		IsActive: room.IsActive,
	}
}

func toMembership(m models.RoomMember) *models.Membership {
	return &models.Membership{
		RoomID:      m.RoomID,
		UserID:      m.UserID,
		Role:        m.Role,
		HasLeft:     m.LeftAt != nil,
		IsBanned:    m.IsBanned,
		BannedUntil: m.BannedUntil,
		IsMuted:     m.IsMuted,
		MutedUntil:  m.MutedUntil,
	}
}

func toProfile(u models.User) *models.Profile {
	return &models.Profile{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		IsBanned:    u.IsBanned,
	}
}
