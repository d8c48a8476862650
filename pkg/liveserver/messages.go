package liveserver

// Message represents a WebSocket message pushed to query-surface clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageType constants
const (
	TypePositions      = "positions"
	TypeOrders         = "orders"
	TypeOutcome        = "outcome"
	TypeTransition     = "transition"
	TypeReconciliation = "reconciliation"
	TypeAlert          = "alert"
)
