package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) CycleStarted()                                                            {}
func (n *NoopSink) CycleCompleted(duration time.Duration, due int, err error)                {}
func (n *NoopSink) PublishAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                           {}
func (n *NoopSink) RetryAttempt()                                                            {}
func (n *NoopSink) EventsInFlightIncr()                                                      {}
func (n *NoopSink) EventsInFlightDecr()                                                      {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                           {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                                {}
func (n *NoopSink) EmitError()                                                               {}
func (n *NoopSink) HorizonRunCompleted(d time.Duration, extended, added, failed int)         {}
func (n *NoopSink) CircuitStateChanged(key string, state string)                             {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                        {}
func (n *NoopSink) LeaderAcquired()                                                          {}
func (n *NoopSink) LeaderLost(reason string)                                                 {}
