package events

const (
	TopicDeviceEvent   = "device.event"
	TopicDeviceList    = "device.list"
	TopicMonitorStatus = "monitor.status"
)
