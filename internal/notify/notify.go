// Package notify fans device updates out to the realtime transports.
package notify

import (
	"context"

	"iot-sentinel/internal/models"
)

// Notifier delivers a device update. Delivery is fire-and-forget: callers
// never wait for subscriber acknowledgment.
type Notifier interface {
	Notify(ctx context.Context, update models.DeviceUpdate)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, update models.DeviceUpdate)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, update models.DeviceUpdate) { f(ctx, update) }

// MultiNotifier dispatches device updates to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier constructs a MultiNotifier. Nil entries are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards the update to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, update models.DeviceUpdate) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, update)
		}
	}
}
