package tlstream

// State
// 流的生命周期。
// Unestablished → Handshaking → Established → ShuttingDown → Closed，
// 不可恢复的错误进入终态 Failed。
type State uint32

const (
	Unestablished State = iota
	Handshaking
	Established
	ShuttingDown
	Closed
	Failed
)

func (state State) String() string {
	switch state {
	case Unestablished:
		return "unestablished"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case ShuttingDown:
		return "shutting_down"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
