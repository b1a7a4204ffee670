package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Status       string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	Room           string    `gorm:"not null;index:idx_room_created"`
	UserID         string    `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	AttachmentURL  string
	AttachmentType string
	CreatedAt      time.Time `gorm:"not null;index:idx_room_created"`
}
