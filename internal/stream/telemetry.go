package stream

// Telemetry receives counters from connections. Labels are plain strings so
// implementations need not import this package.
type Telemetry interface {
	Probed(codec string)
	BackendBuilt(backend string)
	ConnectionLost(reason string)
	ReconnectAttempt()
	ReconnectDeferred()
	GaveUp()
	PlayRetry()
	StateChanged(from, to string)
}

type nopTelemetry struct{}

func (nopTelemetry) Probed(string)               {}
func (nopTelemetry) BackendBuilt(string)         {}
func (nopTelemetry) ConnectionLost(string)       {}
func (nopTelemetry) ReconnectAttempt()           {}
func (nopTelemetry) ReconnectDeferred()          {}
func (nopTelemetry) GaveUp()                     {}
func (nopTelemetry) PlayRetry()                  {}
func (nopTelemetry) StateChanged(string, string) {}
