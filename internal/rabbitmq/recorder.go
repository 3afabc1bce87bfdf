package rabbitmq

import "time"

// Recorder receives consumer activity for metrics
type Recorder interface {
	RecordBinding(exchange string)
	RecordDelivery(queue string, size int)
	RecordAck(queue string)
	RecordHandlerFailure(queue string)
	RecordHandlerDuration(queue string, d time.Duration)
}

// NoopRecorder discards everything
func NoopRecorder() Recorder { return noopRecorder{} }

type noopRecorder struct{}

func (noopRecorder) RecordBinding(string)                        {}
func (noopRecorder) RecordDelivery(string, int)                  {}
func (noopRecorder) RecordAck(string)                            {}
func (noopRecorder) RecordHandlerFailure(string)                 {}
func (noopRecorder) RecordHandlerDuration(string, time.Duration) {}
