package hostfunc

import "fmt"

// Status classifies the outcome of a bridged operation. It is attached to
// every callback the host delivers to the guest.
type Status uint32

const (
	// StatusSuccess means the operation produced a result.
	StatusSuccess Status = iota
	// StatusTimedOut means the operation's deadline elapsed first.
	StatusTimedOut
	// StatusException covers every other host-side failure.
	StatusException
	// StatusStreamEnded marks the normal end of a chunk stream.
	StatusStreamEnded
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimedOut:
		return "timed_out"
	case StatusException:
		return "exception"
	case StatusStreamEnded:
		return "stream_ended"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Terminal reports whether s ends a chunk stream.
func (s Status) Terminal() bool {
	return s != StatusSuccess
}
