package domain

import "time"

type UserStatus string

const (
	StatusPending  UserStatus = "pending"
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// AutoUserID marks locally synthesized echo messages. No real account owns it.
const AutoUserID = "auto"

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Message is one chat post. ID and CreatedAt are assigned by the store at
// insert time. AttachmentURL and AttachmentType are set together or not at all.
type Message struct {
	ID             string    `json:"id"`
	Room           string    `json:"room"`
	UserID         string    `json:"userId"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	AttachmentType string    `json:"attachmentType,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasAttachment reports whether the attachment pair is present.
func (m Message) HasAttachment() bool {
	return m.AttachmentURL != "" && m.AttachmentType != ""
}
