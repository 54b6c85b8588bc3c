package metrics

// Recorder defines the observer hooks the coordinator emits. The default
// implementation is a no-op so packages never depend on a backend choice.
type Recorder interface {
	ConnOpened()
	ConnClosed()
	ConnRejected(reason string)
	MessageReceived()
	TemplateRefreshed(generation, height uint64)
	DaemonRPCFailure(method string)
	JobIssued()
	JobExpired()
	ShareAccepted()
	ShareStale()
	ShareRejected(reason string)
	BlockCandidate(height uint64)
	BlockForwarded(status string)
	RateLimitViolation(kind string)
}

// NoopRecorder implements Recorder without emitting anything.
type NoopRecorder struct{}

func (NoopRecorder) ConnOpened()                                 {}
func (NoopRecorder) ConnClosed()                                 {}
func (NoopRecorder) ConnRejected(string)                         {}
func (NoopRecorder) MessageReceived()                            {}
func (NoopRecorder) TemplateRefreshed(generation, height uint64) {}
func (NoopRecorder) DaemonRPCFailure(string)                     {}
func (NoopRecorder) JobIssued()                                  {}
func (NoopRecorder) JobExpired()                                 {}
func (NoopRecorder) ShareAccepted()                              {}
func (NoopRecorder) ShareStale()                                 {}
func (NoopRecorder) ShareRejected(string)                        {}
func (NoopRecorder) BlockCandidate(uint64)                       {}
func (NoopRecorder) BlockForwarded(string)                       {}
func (NoopRecorder) RateLimitViolation(string)                   {}

// Default is the process-wide observer sink; main replaces it with the
// Prometheus recorder when metrics are enabled.
var Default Recorder = NoopRecorder{}
