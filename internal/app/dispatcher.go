package app

import (
	"log/slog"

	"liveroom/internal/protocol"
)

// Dispatcher fans messages out to connections bound in the Registry. Delivery is best effort:
// a failed send demotes that connection through the normal unbind path and never aborts the rest.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, log: log}
}

// BroadcastToRoom sends msg to every connection bound to roomID and returns the delivered count.
func (d *Dispatcher) BroadcastToRoom(roomID string, msg protocol.Outbound) int {
	return d.fanOut(d.registry.RoomConnections(roomID), msg)
}

// BroadcastToParticipants sends msg only to connections of the listed participants.
func (d *Dispatcher) BroadcastToParticipants(roomID string, participantIDs []string, msg protocol.Outbound) int {
	return d.fanOut(d.registry.ParticipantConnections(roomID, participantIDs), msg)
}

// SendToConnection delivers msg to one connection.
func (d *Dispatcher) SendToConnection(c Conn, msg protocol.Outbound) error {
	if err := c.Send(msg); err != nil {
		d.markStale(c, msg.Type, err)
		return err
	}
	return nil
}

func (d *Dispatcher) fanOut(conns []Conn, msg protocol.Outbound) int {
	delivered := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			d.markStale(c, msg.Type, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) markStale(c Conn, msgType string, err error) {
	d.log.Info("dropping stale connection", slog.String("conn", c.ID()), slog.String("type", msgType), slog.Any("err", err))
	d.registry.Unbind(c)
	_ = c.Close()
}
