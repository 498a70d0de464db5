package persistence

import (
	"context"

	"github.com/skobkin/adbwire/internal/bus"
	"github.com/skobkin/adbwire/internal/events"
)

// WriteQueue serializes persistence writes coming from bus events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// StartHistorySync records every device event published on b until ctx is done.
// Disconnected devices keep their row with the state they were last seen in.
func StartHistorySync(ctx context.Context, b bus.MessageBus, queue WriteQueue, devices *DeviceRepo, eventRepo *EventRepo) {
	sub := b.Subscribe(events.TopicDeviceEvent)

	go func() {
		defer b.Unsubscribe(sub, events.TopicDeviceEvent)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				ev, ok := raw.(events.DeviceEvent)
				if !ok || !ev.PerDevice() {
					continue
				}
				queue.Enqueue("append_device_event", func(writeCtx context.Context) error {
					_, err := eventRepo.Append(writeCtx, ev)
					return err
				})
				if ev.Kind == events.DeviceDisconnected {
					continue
				}
				queue.Enqueue("upsert_device", func(writeCtx context.Context) error {
					return devices.Upsert(writeCtx, ev.Device, ev.At)
				})
			}
		}
	}()
}
