package transport

import (
	"log/slog"
	"strconv"
)

func componentLogger(logger *slog.Logger, name string, attrs ...any) *slog.Logger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "transport", "socket", name)
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
