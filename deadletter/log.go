package deadletter

import (
	"context"
	"sync"

	log "log/slog"
)

// LogSink records dead letters to the structured log and keeps them in
// memory so tests can assert on what was dead-lettered.
type LogSink struct {
	mu      sync.Mutex
	entries []entry
}

// NewLogSink returns an empty LogSink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Send(ctx context.Context, topic string, partition int32, offset int64, key, value []byte, cause error) error {
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	log.Error("dead-lettered envelope",
		"topic", topic, "partition", partition, "offset", offset, "key", string(key), "cause", causeText)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       string(key),
		Value:     string(value),
		Cause:     causeText,
	})
	return nil
}

// Count reports how many envelopes were dead-lettered.
func (s *LogSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
