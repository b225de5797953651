// Package session runs multi-device data-collection sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/protocol"
	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Sentinel errors returned by the orchestrator.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionStopped  = errors.New("session stopped")
	ErrInvalidSpec     = errors.New("invalid session spec")
)

// Spec describes a session to create.
type Spec struct {
	Name            string   `json:"name"`
	Nodes           []string `json:"nodes"`
	Sensors         []string `json:"sensors"`
	Duration        int      `json:"duration"`
	RetentionPolicy string   `json:"retentionPolicy"`
}

// MaxDuration is the longest session, in seconds, a spec may request.
const MaxDuration = 30 * 24 * 60 * 60

// Validate normalizes the spec in place and rejects unusable ones.
func (s *Spec) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	s.Nodes = dedupe(s.Nodes)
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidSpec)
	}
	if s.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidSpec)
	}
	if s.Duration > MaxDuration {
		return fmt.Errorf("%w: duration must not exceed %d seconds", ErrInvalidSpec, MaxDuration)
	}
	s.Sensors = dedupe(s.Sensors)
	return nil
}

// dedupe drops blanks and repeats, keeping first-occurrence order.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Sender delivers a JSON message to one device.
type Sender interface {
	SendJSON(deviceID string, v any) error
}

// Orchestrator owns the session table and drives session directives to
// participating devices.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session

	sender Sender
	events plugin.EventBus
	tokens *TokenIssuer
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// NewOrchestrator creates an Orchestrator. now may be nil.
func NewOrchestrator(sender Sender, events plugin.EventBus, tokens *TokenIssuer, now func() time.Time, logger *zap.Logger) *Orchestrator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		sessions: make(map[string]*models.Session),
		sender:   sender,
		events:   events,
		tokens:   tokens,
		now:      now,
		newID:    uuid.NewString,
		logger:   logger,
	}
}

// Create stores a new active session and sends session_start to each
// online node. Offline and unknown nodes are skipped.
func (o *Orchestrator) Create(ctx context.Context, spec Spec) (models.Session, error) {
	if err := spec.Validate(); err != nil {
		return models.Session{}, err
	}

	now := o.now()
	s := models.Session{
		ID:              o.newID(),
		Name:            spec.Name,
		Nodes:           spec.Nodes,
		Sensors:         spec.Sensors,
		Duration:        spec.Duration,
		RetentionPolicy: spec.RetentionPolicy,
		Status:          models.SessionStatusActive,
		StartTime:       now,
		CreatedAt:       now,
	}
	token, err := o.tokens.Issue(s)
	if err != nil {
		return models.Session{}, err
	}
	s.Token = token

	o.mu.Lock()
	stored := s.Clone()
	o.sessions[s.ID] = &stored
	o.mu.Unlock()

	delivered := o.dispatch(s.ID, s.Nodes, protocol.NewSessionStart(s))
	o.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("name", s.Name),
		zap.Int("nodes", len(s.Nodes)),
		zap.Int("delivered", delivered),
	)
	o.publish(ctx, TopicSessionCreated, s, delivered)
	return s.Clone(), nil
}

// Start re-sends session_start for an active session, re-stamping its
// start time and token. A stopped session cannot be restarted.
func (o *Orchestrator) Start(ctx context.Context, id string) (models.Session, error) {
	o.mu.Lock()
	stored, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return models.Session{}, fmt.Errorf("start %q: %w", id, ErrSessionNotFound)
	}
	if stored.Status == models.SessionStatusStopped {
		o.mu.Unlock()
		return models.Session{}, fmt.Errorf("start %q: %w", id, ErrSessionStopped)
	}
	restarted := stored.Clone()
	restarted.StartTime = o.now()
	token, err := o.tokens.Issue(restarted)
	if err != nil {
		o.mu.Unlock()
		return models.Session{}, err
	}
	restarted.Token = token
	*stored = restarted.Clone()
	o.mu.Unlock()

	delivered := o.dispatch(id, restarted.Nodes, protocol.NewSessionStart(restarted))
	o.logger.Info("session started", zap.String("session_id", id), zap.Int("delivered", delivered))
	o.publish(ctx, TopicSessionStarted, restarted, delivered)
	return restarted, nil
}

// Stop ends a session and sends session_stop to each online node. Stopping
// a stopped session returns it unchanged and sends nothing.
func (o *Orchestrator) Stop(ctx context.Context, id string) (models.Session, error) {
	o.mu.Lock()
	stored, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return models.Session{}, fmt.Errorf("stop %q: %w", id, ErrSessionNotFound)
	}
	if stored.Status == models.SessionStatusStopped {
		s := stored.Clone()
		o.mu.Unlock()
		return s, nil
	}
	end := o.now()
	stored.Status = models.SessionStatusStopped
	stored.EndTime = &end
	s := stored.Clone()
	o.mu.Unlock()

	delivered := o.dispatch(id, s.Nodes, protocol.NewSessionStop(id))
	o.logger.Info("session stopped", zap.String("session_id", id), zap.Int("delivered", delivered))
	o.publish(ctx, TopicSessionStopped, s, delivered)
	return s, nil
}

// Get returns a copy of one session.
func (o *Orchestrator) Get(id string) (models.Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return s.Clone(), true
}

// List returns copies of all sessions, oldest first.
func (o *Orchestrator) List() []models.Session {
	o.mu.RLock()
	out := make([]models.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Clone())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of sessions and of active sessions.
func (o *Orchestrator) Counts() (total, active int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.sessions {
		if s.Status == models.SessionStatusActive {
			active++
		}
	}
	return len(o.sessions), active
}

// SessionFor returns the ID of the active session a token was issued for,
// provided deviceID is one of its nodes.
func (o *Orchestrator) SessionFor(token, deviceID string) (string, bool) {
	claims, err := o.tokens.Verify(token)
	if err != nil || !slices.Contains(claims.Audience, deviceID) {
		return "", false
	}
	s, ok := o.Get(claims.SessionID)
	if !ok || s.Status != models.SessionStatusActive {
		return "", false
	}
	return s.ID, true
}

// VerifyToken validates a session token and returns its claims.
func (o *Orchestrator) VerifyToken(token string) (*Claims, error) {
	return o.tokens.Verify(token)
}

// dispatch sends msg to every node and returns how many accepted it.
func (o *Orchestrator) dispatch(sessionID string, nodes []string, msg any) int {
	delivered := 0
	for _, node := range nodes {
		err := o.sender.SendJSON(node, msg)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, fleet.ErrDeviceNotFound), errors.Is(err, fleet.ErrDeviceOffline):
			o.logger.Debug("session node not connected",
				zap.String("session_id", sessionID),
				zap.String("device_id", node),
			)
		default:
			o.logger.Warn("session directive failed",
				zap.String("session_id", sessionID),
				zap.String("device_id", node),
				zap.Error(err),
			)
		}
	}
	return delivered
}

func (o *Orchestrator) publish(ctx context.Context, topic string, s models.Session, delivered int) {
	err := o.events.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    "session",
		Timestamp: o.now(),
		Payload:   Event{Session: s, Delivered: delivered},
	})
	if err != nil {
		o.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
