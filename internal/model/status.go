package model

// TunnelStatus is the lifecycle state of a running tunnel attempt.
// See the state machine in spec.md §4.G.
type TunnelStatus string

const (
	StatusNotConnected   TunnelStatus = "NotConnected"
	StatusConnecting     TunnelStatus = "Connecting"
	StatusWaitingForAuth TunnelStatus = "WaitingForAuth"
	StatusConnected      TunnelStatus = "Connected"
	StatusDisconnecting  TunnelStatus = "Disconnecting"
	StatusDisconnected   TunnelStatus = "Disconnected"
	StatusReconnecting   TunnelStatus = "Reconnecting"
	StatusFailed         TunnelStatus = "Failed"
)

// TunnelState is what GET /tunnels and GET /tunnels/{id}/status report.
type TunnelState struct {
	ID          string        `json:"id"`
	Status      TunnelStatus  `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	PendingAuth *AuthRequest  `json:"pendingAuth,omitempty"`
}
