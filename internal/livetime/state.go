package livetime

// ServerState is the server-global lifecycle state.
type ServerState string

const (
	StateStopped   ServerState = "STOPPED"
	StateStarted   ServerState = "STARTED"
	StateConnected ServerState = "CONNECTED"
)

func (s ServerState) String() string {
	return string(s)
}
