package domain

// SessionState is the lifecycle of one peer session in the mesh topology.
//
//	uninitialized -> negotiating -> connected | failed
//	any state     -> closed (terminal)
//
// Recovery from failed requires full session recreation.
type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionNegotiating   SessionState = "negotiating"
	SessionConnected     SessionState = "connected"
	SessionFailed        SessionState = "failed"
	SessionClosed        SessionState = "closed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionClosed
}

// ConnectionStatus is the overall status surfaced to the caller for a
// negotiation component (mesh engine or SFU orchestrator).
type ConnectionStatus string

const (
	StatusIdle         ConnectionStatus = "idle"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusFailed       ConnectionStatus = "failed"
)

// MediaKind distinguishes audio and video tracks.
type MediaKind string

// Track is one audio or video track. Implementations wrap whatever the
// transport capability hands out.
type Track interface {
	ID() string
	Kind() MediaKind
}

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)
