package realtime

import "time"

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const maxReconnectDelay = 16 * time.Second

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s, then 16s for every later attempt.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return maxReconnectDelay
	}
	return time.Second << (attempt - 1)
}
