package workflow

import (
	"context"
	"errors"
	"maps"

	"automation-engine/internal/trigger"
)

// RecordRouter turns records pulled by data streams into
// integration.record events and routes each one through rule detection.
type RecordRouter struct {
	Engine *Engine
}

// Accept routes every record. Routing continues past failed records and the
// errors are joined.
func (s RecordRouter) Accept(ctx context.Context, integrationID, streamID string, records []map[string]any) error {
	var errs []error
	for _, rec := range records {
		data := make(map[string]any, len(rec)+1)
		maps.Copy(data, rec)
		data["streamId"] = streamID

		_, err := s.Engine.DetectAndRoute(ctx, trigger.Event{
			Type:   trigger.EventTypeIntegrationRecord,
			Source: integrationID,
			Data:   data,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
