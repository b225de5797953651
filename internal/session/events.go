package session

import "github.com/HerbHall/fleethub/pkg/models"

// Event topics published for session lifecycle changes.
const (
	TopicSessionCreated = "session.created"
	TopicSessionStarted = "session.started"
	TopicSessionStopped = "session.stopped"
)

// Event is the payload of every session topic.
type Event struct {
	Session models.Session
	// Delivered counts the online nodes the directive reached.
	Delivered int
}
