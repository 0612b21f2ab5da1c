package notifications

import (
	"context"
	"log/slog"
	"time"

	"coursebuild/internal/config"
	"coursebuild/internal/logging"
)

// Forwarder relays selected bus events to a push Service.
type Forwarder struct {
	bus     *Bus
	service Service
	logger  *slog.Logger
	enabled map[EventType]bool
	timeout time.Duration
}

// NewForwarder selects events according to the [notifications] toggles.
func NewForwarder(bus *Bus, service Service, cfg *config.Config, logger *slog.Logger) *Forwarder {
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		bus:     bus,
		service: service,
		logger:  logging.NewComponentLogger(logger, "notify"),
		enabled: map[EventType]bool{
			EventCheckpointOpened: cfg.Notifications.CheckpointOpened,
			EventBuildCompleted:   cfg.Notifications.BuildCompleted,
			EventBuildFailed:      cfg.Notifications.BuildFailed,
		},
		timeout: timeout,
	}
}

// Run forwards events until ctx ends or the bus closes.
func (f *Forwarder) Run(ctx context.Context) error {
	sub := f.bus.SubscribeAll()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			f.forward(ctx, evt)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, evt Event) {
	if !f.enabled[evt.Type] {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	payload := Payload{
		"build_id":      evt.BuildID,
		"title":         evt.Title,
		"stage":         evt.Stage,
		"checkpoint_id": evt.CheckpointID,
		"error":         evt.Message,
	}
	if err := f.service.Publish(sendCtx, evt.Type, payload); err != nil {
		f.logger.Warn("notification delivery failed",
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String(logging.FieldBuildID, evt.BuildID),
			logging.String("notification", string(evt.Type)),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
			logging.String(logging.FieldImpact, "push notification not delivered"),
			logging.Error(err),
		)
		return
	}
	f.logger.Debug("notification sent",
		logging.String(logging.FieldBuildID, evt.BuildID),
		logging.String("notification", string(evt.Type)),
	)
}
