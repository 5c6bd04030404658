package dispatch

import "errors"

var (
	// ErrTransportFatal means the delta source is unusable (for example it
	// was never initialized). It terminates the dispatcher loop and must be
	// escalated to process supervision; no further requests can be served.
	ErrTransportFatal = errors.New("delta transport fatal")

	// ErrDispatchTimeout marks a delta dropped because its destination
	// queue stayed full past the enqueue timeout. Recoverable: the
	// dispatcher logs it and continues.
	ErrDispatchTimeout = errors.New("dispatch enqueue timeout")

	// ErrRequestTimeout means a caller draining its queue saw no delta
	// within its timeout. The caller treats it as terminal and deregisters.
	ErrRequestTimeout = errors.New("request stream timeout")
)
