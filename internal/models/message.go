package models

import (
	"strings"
	"time"
)

// MessageType enumerates the supported chat message kinds.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
)

// Valid reports whether the message type is one of the supported kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Message is a durable chat message stored in the document store. The sender
// display name is denormalized so clients can render without a user lookup.
type Message struct {
	ID             string      `firestore:"id" json:"id"`
	ConversationID string      `firestore:"conversationId" json:"conversationId"`
	SenderID       string      `firestore:"senderId" json:"senderId"`
	SenderName     string      `firestore:"senderName" json:"senderName"`
	Type           MessageType `firestore:"type" json:"type"`
	Content        string      `firestore:"content" json:"content"`
	CreatedAt      time.Time   `firestore:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time   `firestore:"updatedAt" json:"updatedAt"`
}

// Normalize trims identifier fields and defaults the type to TEXT.
func (m *Message) Normalize() {
	m.ID = strings.TrimSpace(m.ID)
	m.ConversationID = strings.TrimSpace(m.ConversationID)
	m.SenderID = strings.TrimSpace(m.SenderID)
	m.SenderName = strings.TrimSpace(m.SenderName)
	if m.Type == "" {
		m.Type = MessageTypeText
	}
}
