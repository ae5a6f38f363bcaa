// Package protocol names the topics and phases of a market round.
//
// Signals flow from the controller (and, during negotiation, from the
// coordinator) to the participants. Every participant answers each signal
// with a completion notification on /notification/<phase>/<participantId>
// whose payload is the participant id, tagged with the answered signal as
// "<id>@<round>[.<step>]".
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Control topics.
const (
	TopicStart = "/controller/start"
	TopicStop  = "/controller/stop"
)

// Signal topics.
const (
	TopicForecast     = "/building/calculate_forecast"
	TopicOptimize     = "/building/optimize"
	TopicPrepare      = "/building/prepare"
	TopicNegotiation  = "/coordinator/negotiation"
	TopicSubmitBid    = "/agent/submit_bid"
	TopicCounteroffer = "/agent/counteroffer"
	TopicReceiveTrade = "/agent/receive_trade"
	TopicGrid         = "/agent/grid"
)

// NotificationPrefix is the root of all completion notifications.
const NotificationPrefix = "/notification"

// Phase identifies a step of the round in notification topics.
type Phase string

const (
	PhaseForecast     Phase = "forecast"
	PhaseOptimize     Phase = "optimize"
	PhaseBid          Phase = "bid"
	PhaseCounteroffer Phase = "counteroffer"
	PhaseTrade        Phase = "trade"
	PhaseNegotiation  Phase = "negotiation"
	PhaseGrid         Phase = "grid"
	PhasePrepare      Phase = "prepared"
)

var signalPhase = map[string]Phase{
	TopicForecast:     PhaseForecast,
	TopicOptimize:     PhaseOptimize,
	TopicPrepare:      PhasePrepare,
	TopicNegotiation:  PhaseNegotiation,
	TopicSubmitBid:    PhaseBid,
	TopicCounteroffer: PhaseCounteroffer,
	TopicReceiveTrade: PhaseTrade,
	TopicGrid:         PhaseGrid,
}

// PhaseOf returns the phase answered by a signal topic.
func PhaseOf(signal string) (Phase, bool) {
	p, ok := signalPhase[signal]
	return p, ok
}

// AgentSignals are the signals every market agent handles.
func AgentSignals() []string {
	return []string{
		TopicForecast,
		TopicOptimize,
		TopicPrepare,
		TopicSubmitBid,
		TopicCounteroffer,
		TopicReceiveTrade,
		TopicGrid,
	}
}

// NotificationTopic is where participant id reports completion of phase.
func NotificationTopic(phase Phase, id string) string {
	return NotificationPrefix + "/" + string(phase) + "/" + id
}

// NotificationPattern matches every notification of one phase.
func NotificationPattern(phase Phase) string {
	return NotificationPrefix + "/" + string(phase) + "/+"
}

// AllNotifications matches every notification.
const AllNotifications = NotificationPrefix + "/#"

// ParseNotification splits a notification topic into phase and sender.
func ParseNotification(topic string) (Phase, string, error) {
	rest, ok := strings.CutPrefix(topic, NotificationPrefix+"/")
	if !ok {
		return "", "", fmt.Errorf("not a notification topic: %q", topic)
	}
	phase, id, ok := strings.Cut(rest, "/")
	if !ok || phase == "" || id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("malformed notification topic: %q", topic)
	}
	return Phase(phase), id, nil
}

// Signal is the payload of a signal topic. Round numbers start at 1; Step
// counts offer rounds within a negotiation. Zero means unknown.
type Signal struct {
	Round uint64
	Step  int
}

// Encode renders the signal as "<round>" or "<round>.<step>".
func (s Signal) Encode() []byte {
	out := strconv.FormatUint(s.Round, 10)
	if s.Step > 0 {
		out += "." + strconv.Itoa(s.Step)
	}
	return []byte(out)
}

// DecodeSignal reads a signal payload. Empty or foreign payloads decode
// to the zero Signal.
func DecodeSignal(payload []byte) Signal {
	round, step, _ := strings.Cut(strings.TrimSpace(string(payload)), ".")
	r, err := strconv.ParseUint(round, 10, 64)
	if err != nil {
		return Signal{}
	}
	sig := Signal{Round: r}
	if step != "" {
		if n, err := strconv.Atoi(step); err == nil && n > 0 {
			sig.Step = n
		}
	}
	return sig
}

// EncodeNotification renders a completion payload for id answering sig.
// A zero signal yields the bare id.
func EncodeNotification(id string, sig Signal) []byte {
	if sig == (Signal{}) {
		return []byte(id)
	}
	return append([]byte(id+"@"), sig.Encode()...)
}

// DecodeNotification splits a completion payload into sender id and the
// answered signal. Bare ids decode with a zero Signal.
func DecodeNotification(payload []byte) (string, Signal) {
	id, sig, ok := strings.Cut(strings.TrimSpace(string(payload)), "@")
	if !ok {
		return id, Signal{}
	}
	return id, DecodeSignal([]byte(sig))
}
