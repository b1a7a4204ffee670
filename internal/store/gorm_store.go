package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatroom/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser stores or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "status", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserStatus updates the account status.
func (s *GormStore) SetUserStatus(id string, status domain.UserStatus) error {
	return s.db.Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// InsertMessage persists a new message row, assigning id and created_at.
func (s *GormStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	model := messageToModel(msg)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the full room history ordered by created_at ascending.
func (s *GormStore) ListMessages(ctx context.Context, room string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("room = ?", room).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Status:       domain.UserStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:             m.ID,
		Room:           m.Room,
		UserID:         m.UserID,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		AttachmentType: m.AttachmentType,
		CreatedAt:      m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		Room:           m.Room,
		UserID:         m.UserID,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		AttachmentType: m.AttachmentType,
		CreatedAt:      m.CreatedAt,
	}
}
