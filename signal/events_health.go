package signal

type SignalType string

const (
	EventNodeHealthChanged = SignalType("health.node-changed")
	EventRoutingFailed     = SignalType("proxy.routing-failed")
)

// NodeHealthEvent is sent when a node flips between healthy and unhealthy.
type NodeHealthEvent struct {
	Chain       string `json:"chain"`
	Address     string `json:"address"`
	Healthy     bool   `json:"healthy"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RoutingFailedEvent is sent when every candidate for a request failed at the
// transport level.
type RoutingFailedEvent struct {
	Chain     string `json:"chain"`
	Method    string `json:"method,omitempty"`
	Attempted int    `json:"attempted"`
}

// SendNodeHealthChanged notifies about a node health transition.
func SendNodeHealthChanged(event NodeHealthEvent) {
	send(string(EventNodeHealthChanged), event)
}

// SendRoutingFailed notifies that a client request exhausted all candidates.
func SendRoutingFailed(event RoutingFailedEvent) {
	send(string(EventRoutingFailed), event)
}
