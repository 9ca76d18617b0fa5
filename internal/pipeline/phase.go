package pipeline

// Phase is a node's lifecycle state
type Phase uint32

const (
	// PhaseStarting covers plugin Start
	PhaseStarting Phase = iota
	// PhaseRunning is normal operation
	PhaseRunning
	// PhaseDraining stops intake and waits for in-flight deliveries
	PhaseDraining
	// PhaseStopped is terminal
	PhaseStopped
	// PhaseFaulted is terminal; the node failed and nacked what it held
	PhaseFaulted
)

var phaseNames = []string{"starting", "running", "draining", "stopped", "faulted"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Terminal reports Stopped or Faulted
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseFaulted
}

// Lifecycle events emitted through telemetry and kept on the pipeline status
const (
	EventAdmitted          = "admitted"
	EventReady             = "ready"
	EventShutdownRequested = "shutdown_requested"
	EventDrained           = "drained"
	EventFaulted           = "faulted"
	EventForced            = "forced"
)
