package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/taskservice/internal/runner"
	"go.uber.org/zap"
)

type sent struct {
	subject   string
	data      []byte
	jetstream bool
}

// fakeTransport records published messages
type fakeTransport struct {
	msgs []sent
	err  error
}

func (f *fakeTransport) PublishTelemetry(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{subject: subject, data: data, jetstream: true})
	return nil
}

func (f *fakeTransport) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{subject: subject, data: data})
	return nil
}

func (f *fakeTransport) last() sent {
	return f.msgs[len(f.msgs)-1]
}

func newTestPublisher(ft *fakeTransport) *Publisher {
	return NewPublisher(ft, Subjects{Prefix: "acme.agents", DeviceID: "d1"}, zap.NewNop())
}

// TestSubjects tests the device subject layout
func TestSubjects(t *testing.T) {
	s := Subjects{Prefix: "acme.agents", DeviceID: "d1"}

	tests := []struct {
		got  string
		want string
	}{
		{s.Command("start"), "acme.agents.d1.cmd.start"},
		{s.Telemetry("heartbeat"), "acme.agents.d1.telemetry.heartbeat"},
		{s.Notification(), "acme.agents.d1.notification"},
		{s.NotificationEvent(), "acme.agents.d1.notification.event"},
		{s.RelayedEvent(), "acme.agents.d1.events.notification"},
		{s.PermissionPrompt(), "acme.agents.d1.permission.request"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("subject = %s, want %s", tt.got, tt.want)
		}
	}
}

// TestPublishTelemetry tests that telemetry goes to JetStream by kind
func TestPublishTelemetry(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPublisher(ft)

	if err := p.PublishTelemetry(context.Background(), "heartbeat", map[string]any{"tick": 3}); err != nil {
		t.Fatalf("PublishTelemetry() error = %v", err)
	}
	got := ft.last()
	if !got.jetstream || got.subject != "acme.agents.d1.telemetry.heartbeat" {
		t.Errorf("published %+v", got)
	}
	if string(got.data) != `{"tick":3}` {
		t.Errorf("data = %s", got.data)
	}

	if err := p.PublishTelemetry(context.Background(), "bad", make(chan int)); err == nil {
		t.Error("PublishTelemetry() accepted an unmarshalable payload")
	}

	ft.err = errors.New("nats: connection closed")
	if err := p.PublishTelemetry(context.Background(), "heartbeat", 1); err == nil {
		t.Error("PublishTelemetry() hid a transport error")
	}
}

// TestNotificationPublishing tests show and remove messages
func TestNotificationPublishing(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPublisher(ft)
	ctx := context.Background()

	n := runner.Notification{ID: runner.ServiceNotificationID, Title: "Sync", Text: "Running", PlaySound: true}
	if err := p.Show(ctx, n); err != nil {
		t.Fatalf("Show() error = %v", err)
	}

	var shown notificationMessage
	if err := json.Unmarshal(ft.last().data, &shown); err != nil {
		t.Fatalf("invalid show message: %v", err)
	}
	if ft.last().jetstream || ft.last().subject != "acme.agents.d1.notification" {
		t.Errorf("show published %+v", ft.last())
	}
	if shown.Action != "show" || shown.Notification == nil || shown.Notification.Title != "Sync" || !shown.Notification.PlaySound {
		t.Errorf("show message = %+v", shown)
	}

	if err := p.Remove(ctx, runner.ServiceNotificationID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	var removed notificationMessage
	if err := json.Unmarshal(ft.last().data, &removed); err != nil {
		t.Fatalf("invalid remove message: %v", err)
	}
	if removed.Action != "remove" || removed.ID != runner.ServiceNotificationID || removed.Notification != nil {
		t.Errorf("remove message = %+v", removed)
	}
}

// TestRelayNotificationEvent tests that events are forwarded unmodified
func TestRelayNotificationEvent(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPublisher(ft)

	ev := runner.NotificationEvent{
		Kind:           runner.NotificationPressed,
		NotificationID: runner.ServiceNotificationID,
		Payload:        map[string]any{"action": "open"},
	}
	if err := p.RelayNotificationEvent(context.Background(), ev); err != nil {
		t.Fatalf("RelayNotificationEvent() error = %v", err)
	}

	if ft.last().subject != "acme.agents.d1.events.notification" {
		t.Errorf("relayed to %s", ft.last().subject)
	}
	var got runner.NotificationEvent
	if err := json.Unmarshal(ft.last().data, &got); err != nil {
		t.Fatalf("invalid relayed event: %v", err)
	}
	if got.Kind != ev.Kind || got.NotificationID != ev.NotificationID || got.Payload["action"] != "open" {
		t.Errorf("relayed %+v, want %+v", got, ev)
	}
}

type recordingEventHandler struct {
	events []runner.NotificationEvent
}

func (r *recordingEventHandler) HandleNotificationEvent(_ context.Context, ev runner.NotificationEvent) error {
	r.events = append(r.events, ev)
	return nil
}

// TestNotificationEvents tests the inbound event subscription handler
func TestNotificationEvents(t *testing.T) {
	rec := &recordingEventHandler{}
	handler := NotificationEvents(rec, time.Second, zap.NewNop())

	handler(&nats.Msg{Data: []byte(`{"kind":"pressed","notification_id":1000}`)})
	handler(&nats.Msg{Data: []byte(`{"notification_id":1000}`)})
	handler(&nats.Msg{Data: []byte(`not json`)})

	if len(rec.events) != 1 {
		t.Fatalf("handled %d events, want 1", len(rec.events))
	}
	if rec.events[0].Kind != runner.NotificationPressed || rec.events[0].NotificationID != 1000 {
		t.Errorf("event = %+v", rec.events[0])
	}
}
