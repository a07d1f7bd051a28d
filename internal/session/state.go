package session

// State is the connection state reported to the host.
type State int

const (
	// StateDisconnected is the initial state and the state after a clean end.
	StateDisconnected State = iota

	// StateConnecting covers dialing and the setup exchange.
	StateConnecting

	// StateConnected means audio flows in both directions.
	StateConnected

	// StateError is entered on transport or device failure. It is left only
	// by Connect or Disconnect.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event drives the state machine.
type Event int

const (
	// EventConnect is a host Connect request.
	EventConnect Event = iota

	// EventOpen means the transport opened and setup was sent.
	EventOpen

	// EventTransportError is an abnormal transport failure.
	EventTransportError

	// EventDeviceError is an audio device failure.
	EventDeviceError

	// EventTransportClose is a normal remote close.
	EventTransportClose

	// EventDisconnect is a host Disconnect request.
	EventDisconnect
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventOpen:
		return "open"
	case EventTransportError:
		return "transport_error"
	case EventDeviceError:
		return "device_error"
	case EventTransportClose:
		return "transport_close"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Transition returns the state reached from s on e. It is total: events
// that make no sense in s leave s unchanged.
func Transition(s State, e Event) State {
	switch e {
	case EventConnect:
		return StateConnecting
	case EventDisconnect:
		return StateDisconnected
	case EventOpen:
		if s == StateConnecting {
			return StateConnected
		}
	case EventTransportError, EventDeviceError:
		if s == StateConnecting || s == StateConnected {
			return StateError
		}
	case EventTransportClose:
		if s == StateConnecting || s == StateConnected {
			return StateDisconnected
		}
	}
	return s
}
