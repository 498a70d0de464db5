// Package natsbridge republishes device monitor events to a NATS server.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/bus"
	"github.com/skobkin/adbwire/internal/events"
)

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials url and keeps reconnecting in the background for the life of the process.
func Connect(url, clientName string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return nc, nil
}

// DeviceMessage is the JSON body published for every device event.
type DeviceMessage struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Serial        string    `json:"serial"`
	State         string    `json:"state"`
	PreviousState string    `json:"previous_state,omitempty"`
	Product       string    `json:"product,omitempty"`
	Model         string    `json:"model,omitempty"`
	TransportID   uint64    `json:"transport_id,omitempty"`
	At            time.Time `json:"at"`
}

// ListMessage is the JSON body published for list changes and device list snapshots.
type ListMessage struct {
	ID      string          `json:"id"`
	Devices []DeviceMessage `json:"devices"`
	At      time.Time       `json:"at"`
}

// StatusMessage is the JSON body published for monitor state changes.
type StatusMessage struct {
	State string    `json:"state"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

type Bridge struct {
	bus       bus.MessageBus
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

// New returns a bridge publishing under prefix, e.g. "adb" gives "adb.device.connected".
func New(b bus.MessageBus, publisher Publisher, prefix string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "adb"
	}

	return &Bridge{bus: b, publisher: publisher, prefix: prefix, logger: logger.With("component", "natsbridge")}
}

// DeviceSubject returns the subject a device event of kind is published on.
func (br *Bridge) DeviceSubject(kind events.DeviceEventKind) string {
	return br.prefix + ".device." + string(kind)
}

// ListSubject carries every device list snapshot, changed or not.
func (br *Bridge) ListSubject() string {
	return br.prefix + ".devices"
}

func (br *Bridge) StatusSubject() string {
	return br.prefix + ".monitor.status"
}

// Start forwards bus traffic until ctx is done.
func (br *Bridge) Start(ctx context.Context) {
	sub := br.bus.Subscribe(events.TopicDeviceEvent, events.TopicDeviceList, events.TopicMonitorStatus)

	go func() {
		defer br.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				br.forward(raw)
			}
		}
	}()
}

func (br *Bridge) forward(raw any) {
	var (
		subject string
		body    any
	)
	switch msg := raw.(type) {
	case events.DeviceEvent:
		subject = br.DeviceSubject(msg.Kind)
		if msg.PerDevice() {
			body = deviceMessage(msg)
		} else {
			body = listMessage(msg.Devices, msg.At)
		}
	case events.DeviceList:
		subject = br.ListSubject()
		body = listMessage(msg.Devices, msg.At)
	case events.MonitorStatus:
		subject = br.StatusSubject()
		body = StatusMessage{State: string(msg.State), Error: msg.Err, At: msg.Timestamp.UTC()}
	default:
		return
	}

	data, err := json.Marshal(body)
	if err != nil {
		br.logger.Error("encode nats message", "subject", subject, "error", err)

		return
	}
	if err := br.publisher.Publish(subject, data); err != nil {
		br.logger.Warn("nats publish failed", "subject", subject, "error", err)

		return
	}
	br.logger.Debug("published", "subject", subject)
}

func deviceMessage(ev events.DeviceEvent) DeviceMessage {
	msg := DeviceMessage{
		ID:          uuid.NewString(),
		Kind:        string(ev.Kind),
		Serial:      ev.Device.Serial,
		State:       string(ev.Device.State),
		Product:     ev.Device.Product,
		Model:       ev.Device.Model,
		TransportID: ev.Device.TransportID,
		At:          ev.At.UTC(),
	}
	if ev.Kind == events.DeviceChanged {
		msg.PreviousState = string(ev.Previous.State)
	}

	return msg
}

func listMessage(devices []adb.Device, at time.Time) ListMessage {
	msg := ListMessage{ID: uuid.NewString(), Devices: make([]DeviceMessage, 0, len(devices)), At: at.UTC()}
	for _, d := range devices {
		msg.Devices = append(msg.Devices, DeviceMessage{
			Serial:      d.Serial,
			State:       string(d.State),
			Product:     d.Product,
			Model:       d.Model,
			TransportID: d.TransportID,
			At:          msg.At,
		})
	}

	return msg
}
