// Package command delivers actuator commands to individual devices.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/protocol"
)

// StatusSent is the receipt status of a command queued on the device
// connection. Delivery to the actuator is confirmed, if at all, by a
// command_ack from the device.
const StatusSent = "sent"

// Sender delivers a JSON message to one device.
type Sender interface {
	SendJSON(deviceID string, v any) error
}

// Receipt acknowledges that a command was handed to a device connection.
type Receipt struct {
	CommandID  string    `json:"commandId"`
	NodeID     string    `json:"nodeId"`
	ActuatorID string    `json:"actuatorId"`
	Status     string    `json:"status"`
	SentAt     time.Time `json:"sentAt"`
}

// Gateway issues actuator commands.
type Gateway struct {
	sender Sender
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// NewGateway creates a Gateway. now may be nil.
func NewGateway(sender Sender, now func() time.Time, logger *zap.Logger) *Gateway {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Gateway{sender: sender, now: now, newID: uuid.NewString, logger: logger}
}

// SendActuatorCommand queues an actuator_command on nodeID's connection.
// It fails with fleet.ErrDeviceNotFound or fleet.ErrDeviceOffline when the
// node cannot be reached.
func (g *Gateway) SendActuatorCommand(_ context.Context, nodeID, actuatorID string, value any, nonce string) (Receipt, error) {
	now := g.now()
	msg := protocol.ActuatorCommand{
		Type:       protocol.KindActuatorCommand,
		CommandID:  g.newID(),
		ActuatorID: actuatorID,
		Value:      value,
		Nonce:      nonce,
		IssuedAt:   now,
	}
	if err := g.sender.SendJSON(nodeID, msg); err != nil {
		return Receipt{}, fmt.Errorf("actuator command %s/%s: %w", nodeID, actuatorID, err)
	}

	g.logger.Info("actuator command sent",
		zap.String("command_id", msg.CommandID),
		zap.String("device_id", nodeID),
		zap.String("actuator_id", actuatorID),
	)
	return Receipt{
		CommandID:  msg.CommandID,
		NodeID:     nodeID,
		ActuatorID: actuatorID,
		Status:     StatusSent,
		SentAt:     now,
	}, nil
}
