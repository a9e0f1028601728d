// Package broadcast fans typed events out to channel subscribers.
package broadcast

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/model"
	"github.com/collabkit/backend/internal/registry"
)

// Broadcaster delivers events to every connection subscribed to a channel.
// Per-connection delivery failures are isolated and logged, never propagated;
// a connection whose transport is not writable is simply skipped.
type Broadcaster struct {
	reg *registry.Registry
	log *zap.Logger
}

// New creates a Broadcaster over the given registry.
func New(reg *registry.Registry, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{reg: reg, log: log}
}

// Broadcast sends an event to all connections subscribed to the channel.
func (b *Broadcaster) Broadcast(channelID string, ev *model.Event) {
	conns := b.reg.Connections(channelID)
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal broadcast event",
			zap.String("channel", channelID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return
	}

	for _, conn := range conns {
		if !b.reg.SendTo(conn, data) {
			b.log.Debug("skipped unwritable connection",
				zap.String("channel", channelID),
				zap.String("conn", conn.ID),
				zap.String("type", string(ev.Type)))
		}
	}
}

// BroadcastAll sends an event to several channels, deduplicating connections
// subscribed to more than one of them.
func (b *Broadcaster) BroadcastAll(channelIDs []string, ev *model.Event) {
	if len(channelIDs) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal broadcast event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	seen := make(map[string]bool)
	for _, ch := range channelIDs {
		for _, conn := range b.reg.Connections(ch) {
			if seen[conn.ID] {
				continue
			}
			seen[conn.ID] = true
			if !b.reg.SendTo(conn, data) {
				b.log.Debug("skipped unwritable connection",
					zap.String("channel", ch),
					zap.String("conn", conn.ID),
					zap.String("type", string(ev.Type)))
			}
		}
	}
}

// SendDirect unicasts an event to a single connection, reporting whether the
// transport accepted it.
func (b *Broadcaster) SendDirect(connID string, ev *model.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal direct event",
			zap.String("conn", connID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return false
	}
	if !b.reg.Send(connID, data) {
		b.log.Debug("direct send skipped", zap.String("conn", connID), zap.String("type", string(ev.Type)))
		return false
	}
	return true
}
