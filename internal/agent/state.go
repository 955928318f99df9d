package agent

// State is the lifecycle position of an agent. Loading either advances to
// Ready or ends in Failed; there is no path back into Loading.
type State int32

const (
	StateLoading State = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
