package options

import (
	"encoding/json"
	"math"
)

// FromArgs converts a command argument bundle into a partial update.
// Values of the wrong type are treated as absent, and so are negative
// intervals. Integers may arrive as Go integers, integral float64 values
// (plain JSON decoding) or json.Number.
func FromArgs(args map[string]any) Partial {
	var p Partial
	if args == nil {
		return p
	}

	if v, ok := boolArg(args, KeyShowNotification); ok {
		p.ShowNotification = Some(v)
	}
	if v, ok := boolArg(args, KeyPlaySound); ok {
		p.PlaySound = Some(v)
	}
	if v, ok := intArg(args, KeyTaskInterval); ok && v >= 0 {
		p.TaskIntervalMs = Some(v)
	}
	if v, ok := boolArg(args, KeyIsOnceEvent); ok {
		p.IsOnceEvent = Some(v)
	}
	if v, ok := intArg(args, KeyCallbackHandle); ok {
		p.CallbackHandle = Some(v)
	}
	if v, ok := stringArg(args, KeyNotificationTitle); ok {
		p.NotificationTitle = Some(v)
	}
	if v, ok := stringArg(args, KeyNotificationText); ok {
		p.NotificationText = Some(v)
	}

	return p
}

func boolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func intArg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || v >= 0x1p63 || v < -0x1p63 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
