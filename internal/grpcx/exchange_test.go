package grpcx

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"courier/internal/cancel"
	"courier/internal/model"
	"courier/internal/relay"
	"courier/internal/storage"
)

// fakeStream is a scripted transport for the exchange loop.
type fakeStream struct {
	header  metadata.MD
	trailer metadata.MD

	mu        sync.Mutex
	responses []proto.Message
	recvErr   error // returned once responses are drained; nil means io.EOF
	sent      []proto.Message
	closed    bool
}

func (f *fakeStream) Header() (metadata.MD, error) { return f.header, nil }
func (f *fakeStream) Trailer() metadata.MD         { return f.trailer }

func (f *fakeStream) SendMsg(m any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, proto.Clone(m.(proto.Message)))
	return nil
}

func (f *fakeStream) RecvMsg(m any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		if f.recvErr != nil {
			return f.recvErr
		}
		return io.EOF
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	proto.Merge(m.(proto.Message), next)
	return nil
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func methodDesc(t *testing.T, method string) protoreflect.MethodDescriptor {
	t.Helper()
	files, err := compileProtos(context.Background(), []string{filepath.Join("testdata", "echo.proto")})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	m, err := findMethod(files, "courier.test.EchoService", method)
	if err != nil {
		t.Fatalf("find method: %v", err)
	}
	return m
}

func pong(t *testing.T, desc protoreflect.MethodDescriptor, note string) proto.Message {
	t.Helper()
	msg := dynamicpb.NewMessage(desc.Output())
	if err := unmarshalMessage(`{"note":"`+note+`"}`, msg); err != nil {
		t.Fatalf("build pong: %v", err)
	}
	return msg
}

func newTestRun(t *testing.T, method string) (*run, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := &Engine{Store: store, Hub: relay.NewHub()}
	conn, err := store.UpsertConnection(&model.GrpcConnection{Status: model.StatusPending})
	if err != nil {
		t.Fatalf("upsert connection: %v", err)
	}
	return &run{
		engine: engine,
		conn:   conn,
		base:   model.GrpcEvent{ConnectionID: conn.ID, Status: model.StatusPending},
		desc:   methodDesc(t, method),
		sig:    cancel.New(),
		term:   cancel.New(),
		in:     make(chan *dynamicpb.Message, relayCapacity),
	}, store
}

func listEvents(t *testing.T, store *storage.Store, connID string) []*model.GrpcEvent {
	t.Helper()
	events, err := store.ListEvents(connID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}

func endEvents(events []*model.GrpcEvent) []*model.GrpcEvent {
	var out []*model.GrpcEvent
	for _, e := range events {
		if e.Type == model.EventConnectionEnd {
			out = append(out, e)
		}
	}
	return out
}

func staticOpen(s clientStream) func(context.Context) (clientStream, error) {
	return func(context.Context) (clientStream, error) { return s, nil }
}

func TestUnaryExchange(t *testing.T) {
	r, store := newTestRun(t, "Unary")
	fake := &fakeStream{responses: []proto.Message{pong(t, r.desc, "reply")}}

	r.exchange(context.Background(), staticOpen(fake), `{"note":"hi"}`)

	events := listEvents(t, store, r.conn.ID)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != model.EventClientMessage || events[0].Content != `{"note":"hi"}` {
		t.Fatalf("event 0: %+v", events[0])
	}
	if events[1].Type != model.EventInfo || events[1].Content != "Received response" {
		t.Fatalf("event 1: %+v", events[1])
	}
	if events[2].Type != model.EventServerMessage || !strings.Contains(events[2].Content, "reply") {
		t.Fatalf("event 2: %+v", events[2])
	}
	if events[3].Type != model.EventConnectionEnd || events[3].Status != int(codes.OK) ||
		events[3].Content != "Connection complete" {
		t.Fatalf("event 3: %+v", events[3])
	}
	if fake.sentCount() != 1 || !fake.closed {
		t.Fatalf("request message not sent/committed")
	}
}

func TestUnaryHeaderMetadataNoted(t *testing.T) {
	r, store := newTestRun(t, "Unary")
	fake := &fakeStream{
		header:    metadata.Pairs("x-server", "v1"),
		responses: []proto.Message{pong(t, r.desc, "ok")},
	}

	r.exchange(context.Background(), staticOpen(fake), "{}")

	events := listEvents(t, store, r.conn.ID)
	var info *model.GrpcEvent
	for _, e := range events {
		if e.Type == model.EventInfo {
			info = e
		}
	}
	if info == nil || info.Content != "Received response with metadata" {
		t.Fatalf("info event: %+v", info)
	}
	if info.Metadata["x-server"] != "v1" {
		t.Fatalf("info metadata: %+v", info.Metadata)
	}
}

func TestServerStreamingReplayOrder(t *testing.T) {
	r, store := newTestRun(t, "ServerStream")
	fake := &fakeStream{
		responses: []proto.Message{
			pong(t, r.desc, "one"),
			pong(t, r.desc, "two"),
			pong(t, r.desc, "three"),
		},
		trailer: metadata.Pairs("x-done", "yes"),
	}

	r.exchange(context.Background(), staticOpen(fake), "{}")

	events := listEvents(t, store, r.conn.ID)
	var msgs []string
	for _, e := range events {
		if e.Type == model.EventServerMessage {
			msgs = append(msgs, e.Content)
		}
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 server messages, got %d", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if !strings.Contains(msgs[i], want) {
			t.Fatalf("message %d = %q, want to contain %q", i, msgs[i], want)
		}
	}

	ends := endEvents(events)
	if len(ends) != 1 {
		t.Fatalf("expected exactly one ConnectionEnd, got %d", len(ends))
	}
	// Clean stream closure without an explicit status defaults to Unavailable.
	if ends[0].Status != int(codes.Unavailable) || ends[0].Content != "Connection complete" {
		t.Fatalf("end event: %+v", ends[0])
	}
	if ends[0].Metadata["x-done"] != "yes" {
		t.Fatalf("trailer metadata not recorded: %+v", ends[0].Metadata)
	}
}

func TestServerStreamingError(t *testing.T) {
	r, store := newTestRun(t, "ServerStream")
	fake := &fakeStream{
		responses: []proto.Message{pong(t, r.desc, "one")},
		recvErr:   status.Error(codes.Internal, "boom"),
	}

	r.exchange(context.Background(), staticOpen(fake), "{}")

	ends := endEvents(listEvents(t, store, r.conn.ID))
	if len(ends) != 1 {
		t.Fatalf("expected exactly one ConnectionEnd, got %d", len(ends))
	}
	if ends[0].Status != int(codes.Internal) || ends[0].Error != "boom" {
		t.Fatalf("end event: %+v", ends[0])
	}
}

func TestClientStreamingEmptyCommit(t *testing.T) {
	r, store := newTestRun(t, "ClientStream")
	fake := &fakeStream{responses: []proto.Message{pong(t, r.desc, "summary")}}

	// Commit with zero messages sent: an empty request stream is valid.
	r.closeIn()
	r.exchange(context.Background(), staticOpen(fake), "")

	events := listEvents(t, store, r.conn.ID)
	ends := endEvents(events)
	if len(ends) != 1 || ends[0].Status != int(codes.OK) {
		t.Fatalf("end events: %+v", ends)
	}
	var got bool
	for _, e := range events {
		if e.Type == model.EventServerMessage && strings.Contains(e.Content, "summary") {
			got = true
		}
	}
	if !got {
		t.Fatalf("response message not recorded: %+v", events)
	}
	if fake.sentCount() != 0 {
		t.Fatalf("no client messages should have been sent")
	}

	// No ClientMessage event for a streaming client with zero messages.
	for _, e := range events {
		if e.Type == model.EventClientMessage {
			t.Fatalf("unexpected client message event: %+v", e)
		}
	}
}

func TestRelayedMessagesReachStream(t *testing.T) {
	r, store := newTestRun(t, "Bidi")

	r.handleRelay(relay.Msg{Kind: relay.KindMessage, Payload: `{"note":"a"}`})
	r.handleRelay(relay.Msg{Kind: relay.KindMessage, Payload: `{"note":"b"}`})
	r.handleRelay(relay.Msg{Kind: relay.KindCommit})

	fake := &fakeStream{}
	r.sendLoop(fake)

	if fake.sentCount() != 2 {
		t.Fatalf("sent %d messages, want 2", fake.sentCount())
	}
	if !fake.closed {
		t.Fatalf("outbound half not closed after commit")
	}

	var clientMsgs []string
	for _, e := range listEvents(t, store, r.conn.ID) {
		if e.Type == model.EventClientMessage {
			clientMsgs = append(clientMsgs, e.Content)
		}
	}
	if len(clientMsgs) != 2 || clientMsgs[0] != `{"note":"a"}` || clientMsgs[1] != `{"note":"b"}` {
		t.Fatalf("client message events: %v", clientMsgs)
	}
}

func TestRelayedBadMessageIsNonFatal(t *testing.T) {
	r, store := newTestRun(t, "Bidi")

	r.handleRelay(relay.Msg{Kind: relay.KindMessage, Payload: `not json`})
	r.handleRelay(relay.Msg{Kind: relay.KindMessage, Payload: `{"note":"good"}`})

	events := listEvents(t, store, r.conn.ID)
	var kinds []model.EventType
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	// The bad payload still logs a ClientMessage, plus an Error scoped to it.
	want := []model.EventType{
		model.EventClientMessage, model.EventError, model.EventClientMessage,
	}
	if len(kinds) != len(want) {
		t.Fatalf("events: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, kinds[i], want[i])
		}
	}

	// Only the good message was queued for the stream.
	if len(r.in) != 1 {
		t.Fatalf("queued %d messages, want 1", len(r.in))
	}
}

func TestRelayedCancelTripsSignal(t *testing.T) {
	r, _ := newTestRun(t, "Bidi")

	r.handleRelay(relay.Msg{Kind: relay.KindCancel})
	if !r.sig.Cancelled() {
		t.Fatalf("cancel signal not tripped")
	}

	// After cancellation, further messages are ignored.
	r.handleRelay(relay.Msg{Kind: relay.KindMessage, Payload: `{"note":"late"}`})
	if len(r.in) != 0 {
		t.Fatalf("message accepted after cancel")
	}
}

func TestEventWritesSuppressedAfterTerminal(t *testing.T) {
	r, store := newTestRun(t, "Unary")
	r.term.Trip()

	r.event(model.GrpcEvent{Type: model.EventInfo, Content: "late"})

	if events := listEvents(t, store, r.conn.ID); len(events) != 0 {
		t.Fatalf("terminal connection accepted writes: %+v", events)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	r, _ := newTestRun(t, "ClientStream")
	r.closeIn()
	r.closeIn() // must not panic on double close
	r.handleRelay(relay.Msg{Kind: relay.KindCommit})

	select {
	case _, ok := <-r.in:
		if ok {
			t.Fatalf("unexpected message in closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
}
