package router

import (
	"encoding/json"
	"time"

	"github.com/mansion/relay/internal/message"
	"github.com/mansion/relay/internal/messaging"
	"github.com/mansion/relay/internal/protocol"
)

type transition struct {
	UserID       string    `json:"userId"`
	Online       bool      `json:"online"`
	At           time.Time `json:"at"`
	ConnectionID string    `json:"connectionId"`
}

// Announcer fans presence transitions out to every instance, which forward
// them to their local connections as user:online / user:offline.
type Announcer struct {
	bus     Bus
	local   LocalConns
	enabled bool
}

// NewAnnouncer returns an Announcer. When enabled is false announcements are
// neither published nor relayed.
func NewAnnouncer(bus Bus, local LocalConns, enabled bool) *Announcer {
	return &Announcer{bus: bus, local: local, enabled: enabled}
}

// Online announces that userID came online through connID.
func (a *Announcer) Online(userID, connID string, at time.Time) {
	a.publish(transition{UserID: userID, Online: true, At: at, ConnectionID: connID})
}

// Offline announces that userID went offline, last seen at lastSeen.
func (a *Announcer) Offline(userID, connID string, lastSeen time.Time) {
	a.publish(transition{UserID: userID, Online: false, At: lastSeen, ConnectionID: connID})
}

func (a *Announcer) publish(t transition) {
	if !a.enabled {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		log.WithError(err).Warn("encode presence transition")
		return
	}
	if err := a.bus.Publish(messaging.SubjectPresence, data); err != nil {
		log.WithField("user_id", t.UserID).WithError(err).Warn("publish presence transition")
	}
}

// Listen relays transitions published by any instance to local connections.
func (a *Announcer) Listen() error {
	if !a.enabled {
		return nil
	}
	return a.bus.Listen(messaging.SubjectPresence, a.relay)
}

func (a *Announcer) relay(data []byte) {
	var t transition
	if err := json.Unmarshal(data, &t); err != nil {
		log.WithError(err).Warn("malformed presence transition")
		return
	}

	var frame []byte
	var err error
	if t.Online {
		frame, err = protocol.NewServerMessage(protocol.EventUserOnline, protocol.PresenceMsg{
			UserID:    t.UserID,
			Timestamp: message.FormatTime(t.At),
		})
	} else {
		frame, err = protocol.NewServerMessage(protocol.EventUserOffline, protocol.PresenceMsg{
			UserID:   t.UserID,
			LastSeen: message.FormatTime(t.At),
		})
	}
	if err != nil {
		log.WithError(err).Warn("build presence frame")
		return
	}
	a.local.Broadcast(frame, t.ConnectionID)
}
