package domain

// Pub/sub channels for live ledger events. The WebSocket hub subscribes to
// ch:ledger:* and fans messages out to connected dashboards.
const (
	ChannelPositions   = "ch:ledger:positions"
	ChannelAccruals    = "ch:ledger:accruals"
	ChannelClaims      = "ch:ledger:claims"
	ChannelSettlements = "ch:ledger:settlements"
)

// StreamEvents is the durable stream that mirrors every published event for
// replay after a dashboard reconnect.
const StreamEvents = "stream:ledger:events"

// Event is the JSON envelope published on the signal bus.
type Event struct {
	Type   string         `json:"type"`
	At     LogicalTime    `json:"at"`
	Detail map[string]any `json:"detail,omitempty"`
}
