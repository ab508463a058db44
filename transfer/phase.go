package transfer

import "fmt"

// Direction of a transfer as seen from the client.
type Direction int

const (
	Download Direction = iota + 1
	Upload
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return "unknown"
	}
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "download":
		return Download, nil
	case "upload":
		return Upload, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Phase is one step of a transfer connection.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseLogin
	PhaseRequest
	PhaseNegotiate
	PhaseStream
	PhaseComplete
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseLogin:
		return "login"
	case PhaseRequest:
		return "request"
	case PhaseNegotiate:
		return "negotiate"
	case PhaseStream:
		return "stream"
	case PhaseComplete:
		return "complete"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Every phase may also move to PhaseClosed.
var transitions = map[Phase][]Phase{
	PhaseHandshake: {PhaseLogin},
	PhaseLogin:     {PhaseRequest},
	PhaseRequest:   {PhaseNegotiate, PhaseComplete},
	PhaseNegotiate: {PhaseStream, PhaseNegotiate, PhaseComplete},
	PhaseStream:    {PhaseNegotiate, PhaseComplete},
	PhaseComplete:  {},
}

// Machine enforces the phase order of one transfer connection. A connection
// never goes back: retrying means a new connection and a new Machine.
type Machine struct {
	phase Phase
}

// NewMachine starts in PhaseHandshake.
func NewMachine() *Machine {
	return &Machine{phase: PhaseHandshake}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Advance moves to the next phase or fails with a protocol error.
func (m *Machine) Advance(to Phase) error {
	if m.phase == PhaseClosed {
		return protocolError("connection already closed, cannot enter %s", to)
	}
	if to == PhaseClosed {
		m.phase = PhaseClosed
		return nil
	}
	for _, allowed := range transitions[m.phase] {
		if allowed == to {
			m.phase = to
			return nil
		}
	}
	return protocolError("illegal transition %s -> %s", m.phase, to)
}

// Close moves to PhaseClosed from anywhere.
func (m *Machine) Close() {
	m.phase = PhaseClosed
}
