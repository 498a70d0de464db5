package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// DesktopSender shows notifications through the OS notification service.
type DesktopSender struct {
	logger *slog.Logger
	notify func(title, message string, icon any) error
}

func NewDesktopSender(appName string, logger *slog.Logger) *DesktopSender {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if appName != "" {
		beeep.AppName = appName
	}

	return &DesktopSender{logger: logger, notify: beeep.Notify}
}

func (s *DesktopSender) Send(notification Payload) {
	if s == nil || s.notify == nil {
		return
	}

	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}

	if err := s.notify(title, content, ""); err != nil {
		s.logger.Warn("desktop notification failed", "title", title, "error", err)
	}
}
