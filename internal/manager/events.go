package manager

// Event is a closed union of manager notifications delivered to observers.
type Event interface {
	isEvent()
}

// TerminalCreated announces that the host confirmed a new terminal.
type TerminalCreated struct {
	ID       string
	Pid      int
	Shell    string
	Strategy string
}

// TerminalData carries streamed output for one terminal.
type TerminalData struct {
	ID   string
	Data []byte
}

// TerminalExit reports that a terminal's shell has terminated.
type TerminalExit struct {
	ID       string
	ExitCode int
	Signal   string
}

// TerminalKilled confirms a kill request completed host-side.
type TerminalKilled struct {
	ID string
}

// TerminalStorm reports that the host started suppressing runaway output
// from a terminal. One event per suppression episode.
type TerminalStorm struct {
	ID string
}

// TerminalError reports an uncorrelated host-side terminal failure, such as
// a write that blew up after the create already resolved.
type TerminalError struct {
	ID    string
	Error string
}

// HostError reports a failure of the host process link itself.
type HostError struct {
	Err error
}

// HostRestarting announces a scheduled host restart after a crash.
type HostRestarting struct {
	ExitCode int
}

func (TerminalCreated) isEvent() {}
func (TerminalData) isEvent()    {}
func (TerminalExit) isEvent()    {}
func (TerminalKilled) isEvent()  {}
func (TerminalStorm) isEvent()   {}
func (TerminalError) isEvent()   {}
func (HostError) isEvent()       {}
func (HostRestarting) isEvent()  {}
