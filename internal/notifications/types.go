package notifications

// Payload is one notification. Serial names the device it is about and is empty for
// monitor notifications.
type Payload struct {
	Title   string
	Content string
	Serial  string
}

// Sender delivers payloads; it must not block for long since it runs on the bus reader.
type Sender interface {
	Send(payload Payload)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(payload Payload)

func (f SenderFunc) Send(payload Payload) {
	f(payload)
}
