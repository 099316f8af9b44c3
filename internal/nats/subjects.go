package nats

import "fmt"

// Subjects builds the per-device subject space:
//
//	<prefix>.<device>.cmd.<command>          request/reply commands
//	<prefix>.<device>.telemetry.<kind>       JetStream telemetry from tasks
//	<prefix>.<device>.notification           anchoring notification updates
//	<prefix>.<device>.notification.event     interactions reported by the UI host
//	<prefix>.<device>.events.notification    interactions relayed to the app
//	<prefix>.<device>.permission.request     permission prompt responder
type Subjects struct {
	Prefix   string
	DeviceID string
}

func (s Subjects) base() string {
	return fmt.Sprintf("%s.%s", s.Prefix, s.DeviceID)
}

// Command returns the subject of a request/reply command
func (s Subjects) Command(name string) string {
	return s.base() + ".cmd." + name
}

// Telemetry returns the JetStream subject for a telemetry kind
func (s Subjects) Telemetry(kind string) string {
	return s.base() + ".telemetry." + kind
}

// Notification returns the subject the UI host follows for notification state
func (s Subjects) Notification() string {
	return s.base() + ".notification"
}

// NotificationEvent returns the subject the UI host reports interactions on
func (s Subjects) NotificationEvent() string {
	return s.base() + ".notification.event"
}

// RelayedEvent returns the subject interactions are relayed to
func (s Subjects) RelayedEvent() string {
	return s.base() + ".events.notification"
}

// PermissionPrompt returns the subject of the permission prompt responder
func (s Subjects) PermissionPrompt() string {
	return s.base() + ".permission.request"
}
