package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const changesStream = "CHANGES"

// EnsureStreams creates (or validates) the stream carrying change events:
// - app.change.>
// The stream is a latency optimization only; a device that misses an event
// recovers it from the next sync response, so a short retention is enough.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(changesStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      changesStream,
				Subjects:  []string{"app.change.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				MaxAge:    24 * time.Hour,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
