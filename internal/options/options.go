// Package options holds the persisted configuration of the background task
// and the key/value stores it is written to.
package options

import (
	"fmt"
	"strconv"
	"time"
)

// Persisted keys. They are the same names the command argument bundle uses.
const (
	KeyShowNotification  = "showNotification"
	KeyPlaySound         = "playSound"
	KeyTaskInterval      = "taskInterval"
	KeyIsOnceEvent       = "isOnceEvent"
	KeyCallbackHandle    = "callbackHandle"
	KeyNotificationTitle = "notificationContentTitle"
	KeyNotificationText  = "notificationContentText"
)

// AllKeys lists every persisted key
var AllKeys = []string{
	KeyShowNotification,
	KeyPlaySound,
	KeyTaskInterval,
	KeyIsOnceEvent,
	KeyCallbackHandle,
	KeyNotificationTitle,
	KeyNotificationText,
}

// DefaultTaskIntervalMs is the tick interval used when none is configured
const DefaultTaskIntervalMs int64 = 5000

// ServiceConfiguration is the persisted configuration of the background task
type ServiceConfiguration struct {
	ShowNotification  bool   `json:"showNotification"`
	PlaySound         bool   `json:"playSound"`
	TaskIntervalMs    int64  `json:"taskInterval"`
	IsOnceEvent       bool   `json:"isOnceEvent"`
	CallbackHandle    *int64 `json:"callbackHandle,omitempty"`
	NotificationTitle string `json:"notificationContentTitle"`
	NotificationText  string `json:"notificationContentText"`
}

// Defaults returns the configuration written by a start with no arguments
func Defaults() ServiceConfiguration {
	return ServiceConfiguration{
		ShowNotification: true,
		PlaySound:        false,
		TaskIntervalMs:   DefaultTaskIntervalMs,
		IsOnceEvent:      false,
	}
}

// TaskInterval returns the tick interval as a duration
func (c ServiceConfiguration) TaskInterval() time.Duration {
	return time.Duration(c.TaskIntervalMs) * time.Millisecond
}

// HasCallback reports whether a task body is configured
func (c ServiceConfiguration) HasCallback() bool {
	return c.CallbackHandle != nil
}

// Optional is a field of a partial update: either absent or present with a value
type Optional[T any] struct {
	Set   bool
	Value T
}

// Some returns a present Optional
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// Get returns the value if present, otherwise fallback
func (o Optional[T]) Get(fallback T) T {
	if o.Set {
		return o.Value
	}
	return fallback
}

// Partial is an update where every field may be absent
type Partial struct {
	ShowNotification  Optional[bool]
	PlaySound         Optional[bool]
	TaskIntervalMs    Optional[int64]
	IsOnceEvent       Optional[bool]
	CallbackHandle    Optional[int64]
	NotificationTitle Optional[string]
	NotificationText  Optional[string]
}

// Apply overlays the present fields of p onto base
func (p Partial) Apply(base ServiceConfiguration) ServiceConfiguration {
	out := base
	out.ShowNotification = p.ShowNotification.Get(base.ShowNotification)
	out.PlaySound = p.PlaySound.Get(base.PlaySound)
	out.TaskIntervalMs = p.TaskIntervalMs.Get(base.TaskIntervalMs)
	out.IsOnceEvent = p.IsOnceEvent.Get(base.IsOnceEvent)
	if p.CallbackHandle.Set {
		h := p.CallbackHandle.Value
		out.CallbackHandle = &h
	} else if base.CallbackHandle != nil {
		h := *base.CallbackHandle
		out.CallbackHandle = &h
	}
	out.NotificationTitle = p.NotificationTitle.Get(base.NotificationTitle)
	out.NotificationText = p.NotificationText.Get(base.NotificationText)
	return out
}

// encode flattens the configuration into string values for the stores.
// The second return lists keys to remove.
func (c ServiceConfiguration) encode() (map[string]string, []string) {
	values := map[string]string{
		KeyShowNotification:  strconv.FormatBool(c.ShowNotification),
		KeyPlaySound:         strconv.FormatBool(c.PlaySound),
		KeyTaskInterval:      strconv.FormatInt(c.TaskIntervalMs, 10),
		KeyIsOnceEvent:       strconv.FormatBool(c.IsOnceEvent),
		KeyNotificationTitle: c.NotificationTitle,
		KeyNotificationText:  c.NotificationText,
	}

	var remove []string
	if c.CallbackHandle != nil {
		values[KeyCallbackHandle] = strconv.FormatInt(*c.CallbackHandle, 10)
	} else {
		remove = append(remove, KeyCallbackHandle)
	}

	return values, remove
}

// decode rebuilds a configuration from stored values, filling defaults for
// missing keys. The bool is false when none of the keys is stored.
func decode(values map[string]string) (ServiceConfiguration, bool, error) {
	cfg := Defaults()
	found := false

	for _, key := range AllKeys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		found = true

		var err error
		switch key {
		case KeyShowNotification:
			cfg.ShowNotification, err = strconv.ParseBool(raw)
		case KeyPlaySound:
			cfg.PlaySound, err = strconv.ParseBool(raw)
		case KeyTaskInterval:
			cfg.TaskIntervalMs, err = strconv.ParseInt(raw, 10, 64)
		case KeyIsOnceEvent:
			cfg.IsOnceEvent, err = strconv.ParseBool(raw)
		case KeyCallbackHandle:
			var h int64
			h, err = strconv.ParseInt(raw, 10, 64)
			cfg.CallbackHandle = &h
		case KeyNotificationTitle:
			cfg.NotificationTitle = raw
		case KeyNotificationText:
			cfg.NotificationText = raw
		}
		if err != nil {
			return ServiceConfiguration{}, false, fmt.Errorf("invalid stored value for %s: %w", key, err)
		}
	}

	return cfg, found, nil
}
