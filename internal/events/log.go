package events

import (
	"context"

	"go.uber.org/zap"
)

// LogStream writes every event on the notifier to logger until ctx is done.
func LogStream(ctx context.Context, notifier *Notifier, logger *zap.Logger) error {
	stream, cleanup := notifier.Subscribe(ctx)
	defer cleanup()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-stream:
			fields := []zap.Field{
				zap.String("event", string(event.Type)),
				zap.String("image_id", event.ImageID),
				zap.String("trace_id", event.TraceID),
			}
			if event.Reason != "" {
				fields = append(fields, zap.String("reason", event.Reason))
			}
			if event.Error != "" {
				fields = append(fields, zap.String("error", event.Error))
			}
			if event.Type == ImageFailed || event.Type == UploadFailed {
				logger.Warn("pipeline event", fields...)
				continue
			}
			logger.Debug("pipeline event", fields...)
		}
	}
}
