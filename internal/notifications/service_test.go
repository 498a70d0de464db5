package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/bus"
	"github.com/skobkin/adbwire/internal/config"
	"github.com/skobkin/adbwire/internal/events"
)

func enabledPrefs() config.NotifyConfig {
	prefs := config.Default().Notify
	prefs.Enabled = true

	return prefs
}

func startService(t *testing.T, prefs config.NotifyConfig) (*bus.PubSubBus, *collectingSender) {
	t.Helper()

	messageBus := bus.New(nil, 0)
	t.Cleanup(messageBus.Close)
	sender := newCollectingSender()
	service := NewService(messageBus, func() config.NotifyConfig { return prefs }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	service.Start(ctx)

	return messageBus, sender
}

func TestServiceDeviceConnected(t *testing.T) {
	messageBus, sender := startService(t, enabledPrefs())

	messageBus.Publish(events.TopicDeviceEvent, events.DeviceEvent{
		Kind:   events.DeviceConnected,
		Device: adb.Device{Serial: "emulator-5554", State: adb.StateOnline, Model: "Pixel_7"},
		At:     time.Now(),
	})

	got := sender.waitForCount(t, 1)
	if got[0].Title != titleDeviceConnected {
		t.Fatalf("unexpected title %q", got[0].Title)
	}
	if got[0].Content != "Pixel 7 (emulator-5554) is online" {
		t.Fatalf("unexpected content %q", got[0].Content)
	}
	if got[0].Serial != "emulator-5554" {
		t.Fatalf("unexpected serial %q", got[0].Serial)
	}
}

func TestServiceDeviceDisconnectedUsesPrevious(t *testing.T) {
	messageBus, sender := startService(t, enabledPrefs())

	gone := adb.Device{Serial: "R58M", State: adb.StateOnline}
	messageBus.Publish(events.TopicDeviceEvent, events.DeviceEvent{Kind: events.DeviceDisconnected, Device: gone, Previous: gone})

	got := sender.waitForCount(t, 1)
	if got[0].Title != titleDeviceDisconnected || got[0].Content != "R58M" {
		t.Fatalf("unexpected notification %+v", got[0])
	}
}

func TestServiceChangedDisabledByDefault(t *testing.T) {
	messageBus, sender := startService(t, enabledPrefs())

	messageBus.Publish(events.TopicDeviceEvent, events.DeviceEvent{
		Kind:     events.DeviceChanged,
		Device:   adb.Device{Serial: "R58M", State: adb.StateOnline},
		Previous: adb.Device{Serial: "R58M", State: adb.StateUnauthorized},
	})

	sender.assertCount(t, 0)
}

func TestServiceChangedReportsStateTransition(t *testing.T) {
	prefs := enabledPrefs()
	prefs.Events.Changed = true
	messageBus, sender := startService(t, prefs)

	// A transport id change alone is not worth a notification.
	messageBus.Publish(events.TopicDeviceEvent, events.DeviceEvent{
		Kind:     events.DeviceChanged,
		Device:   adb.Device{Serial: "R58M", State: adb.StateOnline, TransportID: 2},
		Previous: adb.Device{Serial: "R58M", State: adb.StateOnline, TransportID: 1},
	})
	messageBus.Publish(events.TopicDeviceEvent, events.DeviceEvent{
		Kind:     events.DeviceChanged,
		Device:   adb.Device{Serial: "R58M", State: adb.StateOnline},
		Previous: adb.Device{Serial: "R58M", State: adb.StateUnauthorized},
	})

	got := sender.waitForCount(t, 1)
	if got[0].Content != "R58M: unauthorized -> online" {
		t.Fatalf("unexpected content %q", got[0].Content)
	}
	sender.assertCount(t, 1)
}

func TestServiceDisabledSendsNothing(t *testing.T) {
	messageBus, sender := startService(t, config.Default().Notify)

	messageBus.Publish(events.TopicDeviceEvent, events.DeviceEvent{
		Kind:   events.DeviceConnected,
		Device: adb.Device{Serial: "emulator-5554", State: adb.StateOnline},
	})
	messageBus.Publish(events.TopicMonitorStatus, events.MonitorStatus{State: events.MonitorStopped, Err: "boom"})

	sender.assertCount(t, 0)
}

func TestServiceMonitorStoppedWithErrorOnce(t *testing.T) {
	messageBus, sender := startService(t, enabledPrefs())

	messageBus.Publish(events.TopicMonitorStatus, events.MonitorStatus{State: events.MonitorRunning})
	messageBus.Publish(events.TopicMonitorStatus, events.MonitorStatus{State: events.MonitorStopped, Err: "protocol error"})
	messageBus.Publish(events.TopicMonitorStatus, events.MonitorStatus{State: events.MonitorStopped, Err: "protocol error"})

	got := sender.waitForCount(t, 1)
	if got[0].Title != titleMonitorStopped || got[0].Content != "protocol error" {
		t.Fatalf("unexpected notification %+v", got[0])
	}
	sender.assertCount(t, 1)
}

func TestDesktopSenderSkipsEmptyAndLogsFailures(t *testing.T) {
	var calls []string
	s := &DesktopSender{
		logger: NewDesktopSender("", nil).logger,
		notify: func(title, message string, _ any) error {
			calls = append(calls, title+"|"+message)

			return errors.New("no notification daemon")
		},
	}

	s.Send(Payload{Title: "  ", Content: ""})
	s.Send(Payload{Title: " Device connected ", Content: "R58M "})

	if len(calls) != 1 || calls[0] != "Device connected|R58M" {
		t.Fatalf("unexpected notify calls: %v", calls)
	}
}

type collectingSender struct {
	mu            sync.Mutex
	notifications []Payload
	changes       chan struct{}
}

func newCollectingSender() *collectingSender {
	return &collectingSender{
		changes: make(chan struct{}, 1),
	}
}

func (s *collectingSender) Send(notification Payload) {
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *collectingSender) snapshot() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Payload, len(s.notifications))
	copy(out, s.notifications)

	return out
}

func (s *collectingSender) waitForCount(t *testing.T, expected int) []Payload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := s.snapshot()
		if len(current) >= expected {
			return current
		}
		select {
		case <-s.changes:
		case <-time.After(10 * time.Millisecond):
		}
	}

	t.Fatalf("timed out waiting for %d notifications", expected)

	return nil
}

func (s *collectingSender) assertCount(t *testing.T, expected int) {
	t.Helper()

	time.Sleep(100 * time.Millisecond)
	current := s.snapshot()
	if len(current) != expected {
		t.Fatalf("expected %d notifications, got %d: %+v", expected, len(current), current)
	}
}
