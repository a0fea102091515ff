package relay

import "time"

type EventType string

const (
	EventBound       EventType = "bound"
	EventSSRCLearned EventType = "ssrc_learned"
	EventDestroyed   EventType = "destroyed"
)

type Ports struct {
	RTP      uint16 `json:"rtp"`
	RTCP     uint16 `json:"rtcp"`
	Outgoing uint16 `json:"outgoing"`
}

type Event struct {
	Type    EventType `json:"type"`
	ProxyID string    `json:"proxyId"`
	Time    time.Time `json:"time"`

	// Ports is set on EventBound.
	Ports *Ports `json:"ports,omitempty"`
	// SSRC and Source are set on EventSSRCLearned. Source is "rtp" or "rtcp".
	SSRC   *uint32 `json:"ssrc,omitempty"`
	Source string  `json:"source,omitempty"`
}

// EventSink receives proxy lifecycle events. Publish is called from relay
// goroutines and must not block.
type EventSink interface {
	Publish(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }

type discardEvents struct{}

func (discardEvents) Publish(Event) {}
