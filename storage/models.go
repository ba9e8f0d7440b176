package storage

import (
	"time"
)

// Message kinds recorded in the durable log
const (
	// KindMessage a normal chat message
	KindMessage = "message"
	// KindUserJoined a join announcement
	KindUserJoined = "user_joined"
	// KindUserLeft a leave announcement
	KindUserLeft = "user_left"
)

// MessageRecord one entry in a room's append-only message log.
//
// Records are immutable once written. They are only ever removed by purging
// the whole room partition.
type MessageRecord struct {
	// ID insertion sequence number, breaks ties between equal timestamps
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	// RoomID the room partition this record belongs to
	RoomID string `gorm:"index:idx_message_room_ts,priority:1" json:"room_id"`
	// Username the user this record is attributed to
	Username string `json:"username"`
	// Kind one of message, user_joined, user_left
	Kind string `json:"type"`
	// Content the message payload text
	Content string `json:"content"`
	// Timestamp store-assigned append time
	Timestamp time.Time `gorm:"index:idx_message_room_ts,priority:2" json:"timestamp"`
}

// ChatRoom one chat room record
type ChatRoom struct {
	// ID externally visible room ID
	ID string `gorm:"primaryKey" json:"id"`
	// Name display name of the room
	Name string `json:"name"`
	// CreatedBy username of the room creator
	CreatedBy string `json:"created_by"`
	// CreatedAt room creation timestamp
	CreatedAt time.Time `json:"created_at"`
}

// User one user record
type User struct {
	// ID internal sequence number
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	// Username unique user name
	Username string `gorm:"uniqueIndex" json:"username"`
	// PasswordHash bcrypt hash of the user password
	PasswordHash string `json:"-"`
	// CreatedAt user creation timestamp
	CreatedAt time.Time `json:"created_at"`
}
