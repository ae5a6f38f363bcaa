package barrier

import (
	"context"
	"sync"

	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
	"github.com/RWTH-EBC/PHOENAIX/internal/router"
)

// Group routes completion notifications to the barrier installed for their
// phase. Notifications for phases without a barrier are dropped.
type Group struct {
	mu      sync.RWMutex
	byPhase map[protocol.Phase]*Barrier
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{byPhase: make(map[protocol.Phase]*Barrier)}
}

// Install makes b the barrier of phase, replacing any previous one.
func (g *Group) Install(phase protocol.Phase, b *Barrier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byPhase[phase] = b
}

// Remove drops the barrier of phase.
func (g *Group) Remove(phase protocol.Phase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byPhase, phase)
}

// Notify sets the flag of id on the barrier of phase for a notification
// answering sig.
func (g *Group) Notify(phase protocol.Phase, id string, sig protocol.Signal) bool {
	g.mu.RLock()
	b := g.byPhase[phase]
	g.mu.RUnlock()
	if b == nil {
		return false
	}
	return b.SetFor(id, sig)
}

// Handler is a bus handler for notification topics.
func (g *Group) Handler() router.Handler {
	return func(_ context.Context, msg router.Message) {
		phase, id, err := protocol.ParseNotification(msg.Topic)
		if err != nil {
			return
		}
		g.Notify(phase, id, NotificationSignal(id, msg.Payload))
	}
}

// NotificationSignal returns the signal a completion payload answers. A
// payload naming another sender than the topic is treated as untagged.
func NotificationSignal(id string, payload []byte) protocol.Signal {
	sender, sig := protocol.DecodeNotification(payload)
	if sender != id {
		return protocol.Signal{}
	}
	return sig
}
