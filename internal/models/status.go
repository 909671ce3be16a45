package models

import "time"

// DeliveryState tracks how far a message has progressed for one recipient.
type DeliveryState string

const (
	StatusSent      DeliveryState = "SENT"
	StatusDelivered DeliveryState = "DELIVERED"
	StatusRead      DeliveryState = "READ"
	StatusFailed    DeliveryState = "FAILED"
)

// Rank orders states so upserts only ever move a record forward. FAILED ranks
// below SENT: it is reachable only through external error paths and any
// successful transition may overwrite it.
func (s DeliveryState) Rank() int {
	switch s {
	case StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// DeliveryStatus is the per-(message, recipient) tracking record, stored in a
// subcollection scoped to the message and keyed by the recipient identity.
type DeliveryStatus struct {
	UserID      string        `firestore:"userId" json:"userId"`
	Status      DeliveryState `firestore:"status" json:"status"`
	SentAt      time.Time     `firestore:"sentAt" json:"sentAt"`
	DeliveredAt *time.Time    `firestore:"deliveredAt,omitempty" json:"deliveredAt,omitempty"`
	ReadAt      *time.Time    `firestore:"readAt,omitempty" json:"readAt,omitempty"`
}
