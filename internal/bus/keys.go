package bus

import "github.com/google/uuid"

// UserStreamKey is the Redis Stream holding a user's recent progress events.
func UserStreamKey(userID uuid.UUID) string {
	return "stream:user:" + userID.String()
}

// userChannel is the pub/sub channel fanning live events to subscribers.
func userChannel(userID uuid.UUID) string {
	return "events:user:" + userID.String()
}
