package models

import "time"

// ConversationType distinguishes one-to-one chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// Conversation is the parent document for messages and participants.
type Conversation struct {
	ID        string           `firestore:"id" json:"id"`
	Name      string           `firestore:"name" json:"name"`
	Type      ConversationType `firestore:"type" json:"type"`
	CreatedBy string           `firestore:"createdBy" json:"createdBy"`
	CreatedAt time.Time        `firestore:"createdAt" json:"createdAt"`
	UpdatedAt time.Time        `firestore:"updatedAt" json:"updatedAt"`
}

// Participant is one membership record in a conversation's participants
// subcollection, keyed by the user identity.
type Participant struct {
	UserID   string    `firestore:"userId" json:"userId"`
	Role     string    `firestore:"role" json:"role"`
	JoinedAt time.Time `firestore:"joinedAt" json:"joinedAt"`
}
