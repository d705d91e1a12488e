package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// ChangeMessage announces that one user's expense collection changed.
// Receivers reload the collection; the message carries no record data.
type ChangeMessage struct {
	UserID    string    `json:"user_id"`
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChangeMessage(userID, origin string) *ChangeMessage {
	return &ChangeMessage{
		UserID:    userID,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
	}
}

func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes a message, rejecting ones without a user.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.UserID == "" {
		return nil, errors.New("change message without user_id")
	}
	return &msg, nil
}
