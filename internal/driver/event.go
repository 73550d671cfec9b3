package driver

import "strings"

// Event type names pushed by drivers.
const (
	EventDeviceData         = "DeviceData"
	EventDeviceDisconnected = "DeviceDisconnected"
)

type EventKind int

const (
	KindCustom EventKind = iota
	KindData
	KindDisconnected
)

func (k EventKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindDisconnected:
		return "disconnected"
	default:
		return "custom"
	}
}

// Event is a driver-originated notification.
type Event struct {
	Type    string
	Kind    EventKind
	Address string
	Data    []byte
	// Source is the id of the pushing driver.
	Source string
}

// DataEventType builds "DeviceData:{address}".
func DataEventType(address string) string {
	return EventDeviceData + ":" + address
}

// ParseEvent classifies a raw pushed event. DeviceData carries the address in
// its type; DeviceDisconnected carries it as a UTF-8 payload.
func ParseEvent(eventType string, data []byte) Event {
	ev := Event{Type: eventType, Data: data}
	switch {
	case strings.HasPrefix(eventType, EventDeviceData+":"):
		ev.Kind = KindData
		ev.Address = strings.TrimPrefix(eventType, EventDeviceData+":")
	case eventType == EventDeviceDisconnected:
		ev.Kind = KindDisconnected
		ev.Address = strings.TrimSpace(string(data))
		ev.Data = nil
	}
	return ev
}
