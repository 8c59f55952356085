package model

// ConnectionState is the lifecycle state of a managed connection as it is
// reported in CONN-INF messages.
type ConnectionState string

const (
	ConnectionConnected     ConnectionState = "connected"
	ConnectionConnecting    ConnectionState = "connecting"
	ConnectionDisconnected  ConnectionState = "disconnected"
	ConnectionDisconnecting ConnectionState = "disconnecting"
)

// IsTransitioning returns whether the state is one of the transient
// "connecting" or "disconnecting" phases.
func (s ConnectionState) IsTransitioning() bool {
	return s == ConnectionConnecting || s == ConnectionDisconnecting
}

// IsStable returns whether the state is a settled "connected" or
// "disconnected" state.
func (s ConnectionState) IsStable() bool {
	return s == ConnectionConnected || s == ConnectionDisconnected
}
