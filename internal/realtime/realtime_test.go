package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/blackmichael/nearby-feeds/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected domain.ChangeEvent
		wantErr  bool
	}{
		{
			name:     "Operation field",
			raw:      `{"table":"posts","operation":"insert","record_id":"p1"}`,
			expected: domain.ChangeEvent{Table: "posts", Operation: domain.OperationInsert, RecordID: "p1"},
		},
		{
			name:     "Upper case event type",
			raw:      `{"table":"doctor_status","eventType":"UPDATE"}`,
			expected: domain.ChangeEvent{Table: "doctor_status", Operation: domain.OperationUpdate},
		},
		{
			name:     "Delete",
			raw:      `{"table":"posts","operation":"DELETE","record_id":"p2","extra":true}`,
			expected: domain.ChangeEvent{Table: "posts", Operation: domain.OperationDelete, RecordID: "p2"},
		},
		{name: "Missing table", raw: `{"operation":"insert"}`, wantErr: true},
		{name: "Unknown operation", raw: `{"table":"posts","operation":"truncate"}`, wantErr: true},
		{name: "Not JSON", raw: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEvent() error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("parseEvent() = %+v, expected %+v", got, tt.expected)
			}
		})
	}
}

func TestHub(t *testing.T) {
	hub := NewHub(discardLogger())

	if _, err := hub.Subscribe("", func(domain.ChangeEvent) {}); err == nil {
		t.Error("expected error for empty table")
	}
	if _, err := hub.Subscribe("posts", nil); err == nil {
		t.Error("expected error for nil handler")
	}

	var mu sync.Mutex
	var got []string
	record := func(name string) func(domain.ChangeEvent) {
		return func(ev domain.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+ev.RecordID)
		}
	}

	unsubA, _ := hub.Subscribe("posts", record("a"))
	unsubB, _ := hub.Subscribe("posts", record("b"))
	unsubD, _ := hub.Subscribe("doctor_status", record("d"))
	defer unsubD()

	if n := hub.Subscribers("posts"); n != 2 {
		t.Errorf("expected 2 posts subscribers, got %d", n)
	}

	hub.Publish(domain.ChangeEvent{Table: "posts", Operation: domain.OperationInsert, RecordID: "1"})
	if len(got) != 2 {
		t.Errorf("expected 2 deliveries, got %v", got)
	}

	unsubA()
	unsubA()
	hub.Publish(domain.ChangeEvent{Table: "posts", Operation: domain.OperationUpdate, RecordID: "2"})
	if len(got) != 3 || got[2] != "b:2" {
		t.Errorf("expected only b to receive the second event, got %v", got)
	}

	unsubB()
	if n := hub.Subscribers("posts"); n != 0 {
		t.Errorf("expected no posts subscribers, got %d", n)
	}
	if n := hub.Subscribers("doctor_status"); n != 1 {
		t.Errorf("expected 1 doctors subscriber, got %d", n)
	}
}

func TestHub_HandlerMayUnsubscribe(t *testing.T) {
	hub := NewHub(discardLogger())

	var unsub func()
	calls := 0
	unsub, _ = hub.Subscribe("posts", func(domain.ChangeEvent) {
		calls++
		unsub()
	})

	hub.Publish(domain.ChangeEvent{Table: "posts", Operation: domain.OperationInsert})
	hub.Publish(domain.ChangeEvent{Table: "posts", Operation: domain.OperationInsert})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestSubscriber(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotTables []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTables = r.URL.Query()["tables"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{
			`{"table":"posts","operation":"insert","record_id":"p1"}`,
			`garbage`,
			`{"table":"comments","operation":"insert","record_id":"c1"}`,
			`{"table":"doctor_status","operation":"update","record_id":"d1"}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	hub := NewHub(discardLogger())
	events := make(chan domain.ChangeEvent, 10)
	for _, table := range []string{"posts", "doctor_status", "comments"} {
		unsub, _ := hub.Subscribe(table, func(ev domain.ChangeEvent) { events <- ev })
		defer unsub()
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub := NewSubscriber(wsURL, []string{"posts", "doctor_status"}, hub, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Start(ctx) }()

	expected := []domain.ChangeEvent{
		{Table: "posts", Operation: domain.OperationInsert, RecordID: "p1"},
		{Table: "doctor_status", Operation: domain.OperationUpdate, RecordID: "d1"},
	}
	for _, want := range expected {
		select {
		case ev := <-events:
			if ev != want {
				t.Errorf("got %+v, expected %+v", ev, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %+v", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	if len(gotTables) != 2 {
		t.Errorf("expected 2 requested tables, got %v", gotTables)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestSubscriber_Reconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	connections := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()
		if n == 1 {
			// drop the first connection
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"table":"posts","operation":"delete","record_id":"p9"}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	hub := NewHub(discardLogger())
	events := make(chan domain.ChangeEvent, 1)
	unsub, _ := hub.Subscribe("posts", func(ev domain.ChangeEvent) { events <- ev })
	defer unsub()

	sub := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"posts"}, hub, discardLogger())
	sub.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Start(ctx)

	select {
	case ev := <-events:
		if ev.RecordID != "p9" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
}

// fakeReader serves queued messages, then blocks until its context ends.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaSource(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"table":"posts","operation":"insert","record_id":"p1"}`)},
		{Offset: 2, Value: []byte(`{"table":"posts"}`)},
		{Offset: 3, Value: []byte(`{"table":"doctor_status","operation":"update","record_id":"d1"}`)},
	}}

	hub := NewHub(discardLogger())
	events := make(chan domain.ChangeEvent, 10)
	for _, table := range []string{"posts", "doctor_status"} {
		unsub, _ := hub.Subscribe(table, func(ev domain.ChangeEvent) { events <- ev })
		defer unsub()
	}

	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "changes", GroupID: "feeds", PollTimeout: 20 * time.Millisecond}
	src := newKafkaSource(cfg, reader, hub, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	for _, want := range []string{"p1", "d1"} {
		select {
		case ev := <-events:
			if ev.RecordID != want {
				t.Errorf("got record %q, expected %q", ev.RecordID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	// the poll timeout lets the loop come around at least once more
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if got := reader.commits(); len(got) != 3 {
		t.Errorf("expected every message committed, got %v", got)
	}
	if err := src.Close(); err != nil || !reader.closed {
		t.Errorf("expected reader closed, got %v", err)
	}
}

func TestKafkaConfig(t *testing.T) {
	if _, err := NewKafkaSource(KafkaConfig{Topic: "changes", GroupID: "g"}, NewHub(discardLogger()), discardLogger()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaSource(KafkaConfig{Brokers: []string{"b:9092"}, Topic: "changes"}, NewHub(discardLogger()), discardLogger()); err == nil {
		t.Error("expected error without group")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"b:9092"}}, discardLogger()); err == nil {
		t.Error("expected error without topic")
	}
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{writer: w, logger: discardLogger(), timeout: time.Second}

	ev := domain.ChangeEvent{Table: "posts", Operation: domain.OperationInsert, RecordID: "p1"}
	pub.Publish(ev)

	if len(w.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.messages))
	}
	if string(w.messages[0].Key) != "posts" {
		t.Errorf("expected key posts, got %q", w.messages[0].Key)
	}
	got, err := parseEvent(w.messages[0].Value)
	if err != nil || got != ev {
		t.Errorf("published value decodes to %+v, %v", got, err)
	}

	// write failures are logged, not returned
	w.err = errors.New("broker down")
	pub.Publish(ev)
}
