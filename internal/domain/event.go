package domain

import "time"

// EventType labels lifecycle events published on the bus and fanned
// out to websocket subscribers and notifiers.
type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventIndexResolved  EventType = "index_resolved"
	EventPositionClosed EventType = "position_closed"
	EventPositionFailed EventType = "position_failed"
	EventAgentLowFunds  EventType = "agent_low_funds"
)

// LifecycleEvent is one observable state change of a position.
type LifecycleEvent struct {
	Type         EventType `json:"type"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	SignalID     string    `json:"signalId,omitempty"`
	Venue        string    `json:"venue"`
	Market       string    `json:"market,omitempty"`
	Side         TradeSide `json:"side,omitempty"`
	UserAddress  string    `json:"userAddress,omitempty"`
	AgentAddress string    `json:"agentAddress,omitempty"`
	TxHash       string    `json:"txHash,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}
