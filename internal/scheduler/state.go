package scheduler

// State is the run state of a job as seen by the scheduler.
type State int

const (
	NotRunning State = iota
	Running
	Paused
	Halted
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Halted:
		return "halted"
	case Finished:
		return "finished"
	default:
		return "not running"
	}
}

// capturing reports whether snapshots may begin in state s.
func (s State) capturing() bool {
	return s == Running
}
