package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/bus"
	"github.com/skobkin/adbwire/internal/events"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []published
	attempts int
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})

	return nil
}

func (p *fakePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]published(nil), p.msgs...)
}

func startBridge(t *testing.T, pub Publisher, prefix string) *bus.PubSubBus {
	t.Helper()
	b := bus.New(nil, 0)
	t.Cleanup(b.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	New(b, pub, prefix, nil).Start(ctx)

	return b
}

func TestBridgePublishesDeviceEvents(t *testing.T) {
	pub := &fakePublisher{}
	b := startBridge(t, pub, "lab.adb.")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(events.TopicDeviceEvent, events.DeviceEvent{
		Kind:     events.DeviceChanged,
		Device:   adb.Device{Serial: "192.168.1.5:5555", State: adb.StateOnline, Model: "Pixel_7", TransportID: 9},
		Previous: adb.Device{Serial: "192.168.1.5:5555", State: adb.StateOffline},
		At:       at,
	})

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := pub.snapshot()[0]
	require.Equal(t, "lab.adb.device.changed", msg.subject)

	var body DeviceMessage
	require.NoError(t, json.Unmarshal(msg.data, &body))
	_, err := uuid.Parse(body.ID)
	require.NoError(t, err)
	body.ID = ""
	require.Equal(t, DeviceMessage{
		Kind:          "changed",
		Serial:        "192.168.1.5:5555",
		State:         "device",
		PreviousState: "offline",
		Model:         "Pixel_7",
		TransportID:   9,
		At:            at,
	}, body)
}

func TestBridgePublishesMonitorStatus(t *testing.T) {
	pub := &fakePublisher{}
	b := startBridge(t, pub, "")

	b.Publish(events.TopicMonitorStatus, events.MonitorStatus{State: events.MonitorStopped, Err: "protocol error"})

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := pub.snapshot()[0]
	require.Equal(t, "adb.monitor.status", msg.subject)
	require.JSONEq(t, `{"state":"stopped","error":"protocol error","at":"0001-01-01T00:00:00Z"}`, string(msg.data))
}

func TestBridgeSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	b := startBridge(t, pub, "adb")

	b.Publish(events.TopicDeviceEvent, events.DeviceEvent{Kind: events.DeviceConnected, Device: adb.Device{Serial: "a"}})
	b.Publish(events.TopicDeviceEvent, "ignored")
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()

		return pub.attempts == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	b.Publish(events.TopicDeviceEvent, events.DeviceEvent{Kind: events.DeviceConnected, Device: adb.Device{Serial: "b"}})

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "adb.device.connected", pub.snapshot()[0].subject)
}

func TestBridgePublishesDeviceLists(t *testing.T) {
	pub := &fakePublisher{}
	b := startBridge(t, pub, "adb")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	devices := []adb.Device{{Serial: "a", State: adb.StateOnline}, {Serial: "b", State: adb.StateOffline}}
	b.Publish(events.TopicDeviceList, events.DeviceList{Devices: devices, At: at})
	b.Publish(events.TopicDeviceEvent, events.DeviceEvent{Kind: events.DeviceListChanged, Devices: devices, At: at})

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := pub.snapshot()
	require.Equal(t, "adb.devices", msgs[0].subject)
	require.Equal(t, "adb.device.list_changed", msgs[1].subject)

	for _, msg := range msgs {
		var body ListMessage
		require.NoError(t, json.Unmarshal(msg.data, &body))
		require.Len(t, body.Devices, 2)
		require.Equal(t, "b", body.Devices[1].Serial)
		require.Equal(t, "offline", body.Devices[1].State)
		require.Equal(t, at, body.At)
	}
}
