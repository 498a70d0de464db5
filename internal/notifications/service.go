package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/bus"
	"github.com/skobkin/adbwire/internal/config"
	"github.com/skobkin/adbwire/internal/events"
)

const (
	titleDeviceConnected    = "Device connected"
	titleDeviceDisconnected = "Device disconnected"
	titleDeviceChanged      = "Device state changed"
	titleMonitorStopped     = "Device monitor stopped"
)

// Service listens to bus events and emits user-facing notifications.
type Service struct {
	bus           bus.MessageBus
	currentConfig func() config.NotifyConfig
	sender        Sender
	logger        *slog.Logger

	stateMu      sync.Mutex
	lastState    events.MonitorState
	lastStateSet bool
}

func NewService(messageBus bus.MessageBus, currentConfig func() config.NotifyConfig, sender Sender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}

	return &Service{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
	}
}

func (s *Service) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	// Both topics share one channel; see bus.PubSubBus.Unsubscribe.
	sub := s.bus.Subscribe(events.TopicDeviceEvent, events.TopicMonitorStatus)

	go func() {
		defer s.bus.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				switch msg := raw.(type) {
				case events.DeviceEvent:
					s.handleDeviceEvent(msg)
				case events.MonitorStatus:
					s.handleMonitorStatus(msg)
				}
			}
		}
	}()
}

func (s *Service) handleDeviceEvent(ev events.DeviceEvent) {
	prefs := s.prefs()
	if !prefs.Enabled {
		return
	}

	switch ev.Kind {
	case events.DeviceConnected:
		if prefs.Events.Connected {
			s.send(Payload{Title: titleDeviceConnected, Content: deviceLabel(ev.Device) + " is " + stateLabel(ev.Device.State), Serial: ev.Device.Serial})
		}
	case events.DeviceDisconnected:
		if prefs.Events.Disconnected {
			s.send(Payload{Title: titleDeviceDisconnected, Content: deviceLabel(ev.Previous), Serial: ev.Previous.Serial})
		}
	case events.DeviceChanged:
		if prefs.Events.Changed && ev.Previous.State != ev.Device.State {
			s.send(Payload{
				Title:   titleDeviceChanged,
				Content: fmt.Sprintf("%s: %s -> %s", deviceLabel(ev.Device), stateLabel(ev.Previous.State), stateLabel(ev.Device.State)),
				Serial:  ev.Device.Serial,
			})
		}
	}
}

// handleMonitorStatus only reports the monitor giving up; reconnects are routine.
func (s *Service) handleMonitorStatus(status events.MonitorStatus) {
	if status.State == "" {
		return
	}

	s.stateMu.Lock()
	if s.lastStateSet && s.lastState == status.State {
		s.stateMu.Unlock()

		return
	}
	s.lastState = status.State
	s.lastStateSet = true
	s.stateMu.Unlock()

	if status.State != events.MonitorStopped || strings.TrimSpace(status.Err) == "" {
		return
	}
	if !s.prefs().Enabled {
		return
	}
	s.send(Payload{Title: titleMonitorStopped, Content: strings.TrimSpace(status.Err)})
}

func (s *Service) prefs() config.NotifyConfig {
	if s.currentConfig == nil {
		return config.Default().Notify
	}

	return s.currentConfig()
}

func (s *Service) send(notification Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title, "serial", notification.Serial)
	s.sender.Send(Payload{
		Title:   title,
		Content: content,
		Serial:  notification.Serial,
	})
}

func deviceLabel(d adb.Device) string {
	serial := strings.TrimSpace(d.Serial)
	if serial == "" {
		serial = "unknown"
	}
	model := strings.ReplaceAll(strings.TrimSpace(d.Model), "_", " ")
	if model == "" {
		return serial
	}

	return fmt.Sprintf("%s (%s)", model, serial)
}

func stateLabel(state adb.DeviceState) string {
	if state == adb.StateOnline {
		return "online"
	}

	return string(state)
}
