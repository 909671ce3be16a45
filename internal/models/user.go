package models

import "time"

// User carries the presence-relevant projection of a chat user. Account
// management lives upstream; this service only flips the online flag.
type User struct {
	ID          string    `firestore:"id" json:"id"`
	DisplayName string    `firestore:"displayName" json:"displayName"`
	Online      bool      `firestore:"online" json:"online"`
	LastSeenAt  time.Time `firestore:"lastSeenAt" json:"lastSeenAt"`
}
