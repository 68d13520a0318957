// Package metrics records daemon observability counters.
//
// Components accept a Recorder and default to NoopRecorder, so metrics can be
// switched on by injecting a PrometheusRecorder without touching call sites.
package metrics

import "time"

// Recorder is the set of observations the daemon makes.
type Recorder interface {
	IncActorCreated(kind string)
	IncDispatchFailure(actor string)
	SetPoolWorkers(n int)
	IncUnitsDispatched()
	IncBuildOutcome(outcome string)
	ObserveBuildDuration(d time.Duration)
	IncHandshake(result string)
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) IncActorCreated(string)             {}
func (NoopRecorder) IncDispatchFailure(string)          {}
func (NoopRecorder) SetPoolWorkers(int)                 {}
func (NoopRecorder) IncUnitsDispatched()                {}
func (NoopRecorder) IncBuildOutcome(string)             {}
func (NoopRecorder) ObserveBuildDuration(time.Duration) {}
func (NoopRecorder) IncHandshake(string)                {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
