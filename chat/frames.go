package chat

import (
	"encoding/json"
	"time"

	"github.com/alwitt/roomcast/storage"
)

// Frame one outbound websocket frame.
//
// Every frame a client receives, whether replayed history or live traffic,
// uses this shape.
type Frame struct {
	// Type one of message, user_joined, user_left
	Type string `json:"type"`
	// RoomID the room this frame belongs to
	RoomID string `json:"room_id"`
	// Username the user this frame is attributed to
	Username string `json:"username"`
	// Content the message payload text
	Content string `json:"content"`
	// Timestamp store-assigned message timestamp
	Timestamp time.Time `json:"timestamp"`
}

// InboundFrame one inbound websocket frame. Fields other than content are ignored.
type InboundFrame struct {
	Content string `json:"content"`
}

// FrameFromRecord convert a stored message record into its wire frame
func FrameFromRecord(record storage.MessageRecord) Frame {
	return Frame{
		Type:      record.Kind,
		RoomID:    record.RoomID,
		Username:  record.Username,
		Content:   record.Content,
		Timestamp: record.Timestamp,
	}
}

// Serialize marshal the frame for transmission
func (f Frame) Serialize() ([]byte, error) {
	return json.Marshal(&f)
}
