package models

import "time"

// SessionStatus is the lifecycle state of a data-collection session.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusStopped SessionStatus = "stopped"
)

// Session is a multi-device data-collection activity. Nodes are plain
// device IDs; a node that is no longer known to the registry is normal.
type Session struct {
	ID              string        `json:"sessionId"`
	Name            string        `json:"name"`
	Nodes           []string      `json:"nodes"`
	Sensors         []string      `json:"sensors"`
	Duration        int           `json:"duration"`
	RetentionPolicy string        `json:"retentionPolicy,omitempty"`
	Status          SessionStatus `json:"status"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	Token           string        `json:"sessionToken,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.Nodes = append([]string{}, s.Nodes...)
	s.Sensors = append([]string{}, s.Sensors...)
	if s.EndTime != nil {
		t := *s.EndTime
		s.EndTime = &t
	}
	return s
}
