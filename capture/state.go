package capture

type State int

const (
	Idle State = iota
	Processing
	Listening
	Confirming
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Listening:
		return "listening"
	case Confirming:
		return "confirming"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}
