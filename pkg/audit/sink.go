package audit

import (
	"encoding/json"

	"github.com/nexusgate/resource-gateway/pkg/logger"
)

// Sink receives finished audit events. The default sink logs them as
// structured JSON; a durable sink (database, message queue) can be
// substituted by any caller without touching the code that builds events.
type Sink interface {
	Emit(event *Event)
}

// LoggingSink marshals events to JSON and writes them through the
// gateway's structured logger at info level.
type LoggingSink struct{}

func (LoggingSink) Emit(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("failed to marshal audit event: %v", err)
		return
	}
	logger.Info(string(data))
}

// MultiSink fans an event out to every sink in order; a failing or slow
// sink never blocks the others since Emit is expected to be non-blocking
// or to manage its own buffering.
type MultiSink []Sink

func (m MultiSink) Emit(event *Event) {
	for _, s := range m {
		s.Emit(event)
	}
}
