package queue

// State is the lifecycle position of a Scheduler or Worker.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
