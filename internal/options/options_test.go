package options

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func int64Ptr(v int64) *int64 { return &v }

// TestFromArgs tests decoding of the command argument bundle
func TestFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want ServiceConfiguration
	}{
		{
			name: "nil bundle gives defaults",
			args: nil,
			want: Defaults(),
		},
		{
			name: "empty bundle gives defaults",
			args: map[string]any{},
			want: Defaults(),
		},
		{
			name: "all fields",
			args: map[string]any{
				"showNotification":         false,
				"playSound":                true,
				"taskInterval":             1000,
				"isOnceEvent":              true,
				"callbackHandle":           int64(42),
				"notificationContentTitle": "Title",
				"notificationContentText":  "Text",
			},
			want: ServiceConfiguration{
				ShowNotification:  false,
				PlaySound:         true,
				TaskIntervalMs:    1000,
				IsOnceEvent:       true,
				CallbackHandle:    int64Ptr(42),
				NotificationTitle: "Title",
				NotificationText:  "Text",
			},
		},
		{
			name: "json float interval",
			args: map[string]any{"taskInterval": float64(2500)},
			want: func() ServiceConfiguration {
				c := Defaults()
				c.TaskIntervalMs = 2500
				return c
			}(),
		},
		{
			name: "json number handle keeps precision",
			args: map[string]any{"callbackHandle": json.Number("9007199254740993")},
			want: func() ServiceConfiguration {
				c := Defaults()
				c.CallbackHandle = int64Ptr(9007199254740993)
				return c
			}(),
		},
		{
			name: "wrong types are ignored",
			args: map[string]any{
				"showNotification":         "yes",
				"taskInterval":             "1000",
				"notificationContentTitle": 5,
			},
			want: Defaults(),
		},
		{
			name: "fractional interval is ignored",
			args: map[string]any{"taskInterval": 10.5},
			want: Defaults(),
		},
		{
			name: "float handle beyond int64 is ignored",
			args: map[string]any{"callbackHandle": float64(1 << 63)},
			want: Defaults(),
		},
		{
			name: "float handle at int64 minimum is kept",
			args: map[string]any{"callbackHandle": float64(-1 << 63)},
			want: func() ServiceConfiguration {
				c := Defaults()
				c.CallbackHandle = int64Ptr(math.MinInt64)
				return c
			}(),
		},
		{
			name: "negative interval is ignored",
			args: map[string]any{"taskInterval": -1},
			want: Defaults(),
		},
		{
			name: "zero interval is kept",
			args: map[string]any{"taskInterval": 0},
			want: func() ServiceConfiguration {
				c := Defaults()
				c.TaskIntervalMs = 0
				return c
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromArgs(tt.args).Apply(Defaults())
			if !equalConfig(got, tt.want) {
				t.Errorf("FromArgs() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestPartialApplyKeepsAbsentFields tests the merge rule for updates
func TestPartialApplyKeepsAbsentFields(t *testing.T) {
	base := ServiceConfiguration{
		ShowNotification:  false,
		PlaySound:         true,
		TaskIntervalMs:    1000,
		IsOnceEvent:       false,
		CallbackHandle:    int64Ptr(7),
		NotificationTitle: "old title",
		NotificationText:  "old text",
	}

	got := Partial{TaskIntervalMs: Some(int64(2000))}.Apply(base)

	want := base
	want.TaskIntervalMs = 2000
	if !equalConfig(got, want) {
		t.Errorf("Apply() = %+v, want %+v", got, want)
	}

	// explicit false must overwrite
	got = Partial{PlaySound: Some(false)}.Apply(base)
	if got.PlaySound {
		t.Error("Apply() did not overwrite playSound with explicit false")
	}

	// the result must not alias the base handle
	*got.CallbackHandle = 99
	if *base.CallbackHandle != 7 {
		t.Error("Apply() result aliases base callback handle")
	}
}

// TestManagerLifecycle tests Save/Merge/Clear/Read over the file store
func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "options.json"))
	m := NewManager(store, zap.NewNop())

	// Nothing stored yet
	if _, ok, err := m.Read(ctx); err != nil || ok {
		t.Fatalf("Read() on empty store = ok %v, err %v; want absent", ok, err)
	}

	// start({}) persists all defaults
	if err := m.Save(ctx, FromArgs(map[string]any{}).Apply(Defaults())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	cfg, ok, err := m.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("Read() after save = ok %v, err %v", ok, err)
	}
	if !equalConfig(cfg, Defaults()) {
		t.Errorf("Read() = %+v, want defaults", cfg)
	}
	if cfg.CallbackHandle != nil {
		t.Error("default configuration should have no callback handle")
	}

	// update({taskInterval: X}) changes only the interval
	before := cfg
	merged, err := m.Merge(ctx, FromArgs(map[string]any{"taskInterval": 1234}))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	want := before
	want.TaskIntervalMs = 1234
	if !equalConfig(merged, want) {
		t.Errorf("Merge() = %+v, want %+v", merged, want)
	}
	cfg, _, _ = m.Read(ctx)
	if !equalConfig(cfg, want) {
		t.Errorf("Read() after merge = %+v, want %+v", cfg, want)
	}

	// stop clears everything
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok, _ := m.Read(ctx); ok {
		t.Error("Read() after Clear() should be absent")
	}
}

// TestManagerSaveRemovesStaleHandle tests that a start without a handle
// does not inherit the previous one
func TestManagerSaveRemovesStaleHandle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewFileStore(filepath.Join(t.TempDir(), "options.json")), zap.NewNop())

	first := Defaults()
	first.CallbackHandle = int64Ptr(5)
	first.NotificationTitle = "first"
	if err := m.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second := FromArgs(map[string]any{"notificationContentTitle": "T"}).Apply(Defaults())
	if err := m.Save(ctx, second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cfg, _, err := m.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.CallbackHandle != nil {
		t.Errorf("callback handle leaked from previous save: %d", *cfg.CallbackHandle)
	}
	if cfg.NotificationTitle != "T" {
		t.Errorf("title = %q, want %q", cfg.NotificationTitle, "T")
	}
}

// TestDecodeRejectsCorruptValues tests that corrupt stored values surface as errors
func TestDecodeRejectsCorruptValues(t *testing.T) {
	_, _, err := decode(map[string]string{KeyTaskInterval: "soon"})
	if err == nil {
		t.Fatal("decode() should fail on a non-numeric interval")
	}
	if indexOf(err.Error(), KeyTaskInterval) < 0 {
		t.Errorf("decode() error = %v, want it to name the key", err)
	}

	cfg, found, err := decode(map[string]string{KeyNotificationTitle: "only title"})
	if err != nil || !found {
		t.Fatalf("decode() = found %v, err %v", found, err)
	}
	want := Defaults()
	want.NotificationTitle = "only title"
	if !equalConfig(cfg, want) {
		t.Errorf("decode() = %+v, want defaults with title", cfg)
	}
}

func equalConfig(a, b ServiceConfiguration) bool {
	if (a.CallbackHandle == nil) != (b.CallbackHandle == nil) {
		return false
	}
	if a.CallbackHandle != nil && *a.CallbackHandle != *b.CallbackHandle {
		return false
	}
	a.CallbackHandle, b.CallbackHandle = nil, nil
	return a == b
}

// Helper function
func indexOf(s, substr string) int {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
