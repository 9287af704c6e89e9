package storage

import (
	"testing"

	"courier/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResponseRoundTrip(t *testing.T) {
	s := openTestStore(t)

	r, err := s.UpsertResponse(&model.HttpResponse{
		RequestID: "rq_1",
		URL:       "http://example.com",
		Status:    200,
		Headers:   []model.ResponseHeader{{Name: "Content-Type", Value: "application/json"}},
		Elapsed:   12,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if r.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := s.GetResponse(r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != 200 || got.URL != "http://example.com" || got.Elapsed != 12 {
		t.Fatalf("unexpected record: %#v", got)
	}
	if len(got.Headers) != 1 || got.Headers[0].Name != "Content-Type" {
		t.Fatalf("headers not round-tripped: %#v", got.Headers)
	}
}

func TestUpsertResponseIfIDSkipsEphemeral(t *testing.T) {
	s := openTestStore(t)

	r, err := s.UpsertResponseIfID(&model.HttpResponse{Status: 200})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if r.ID != "" {
		t.Fatalf("ephemeral response must not gain an identity")
	}
}

func TestEventOrderPreservedOnReplay(t *testing.T) {
	s := openTestStore(t)

	c, err := s.UpsertConnection(&model.GrpcConnection{Status: model.StatusPending})
	if err != nil {
		t.Fatalf("upsert connection: %v", err)
	}

	contents := []string{"one", "two", "three"}
	for _, msg := range contents {
		_, err := s.InsertEvent(&model.GrpcEvent{
			ConnectionID: c.ID,
			Type:         model.EventServerMessage,
			Content:      msg,
			Status:       model.StatusPending,
		})
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	events, err := s.ListEvents(c.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Content != contents[i] {
			t.Fatalf("event %d out of order: got %q want %q", i, e.Content, contents[i])
		}
	}
}

func TestChangeNotifications(t *testing.T) {
	s := openTestStore(t)

	var changes []Change
	unsub := s.Subscribe(func(c Change) { changes = append(changes, c) })

	r, err := s.UpsertResponse(&model.HttpResponse{Status: 200})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.DeleteResponse(r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(changes) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(changes))
	}
	if changes[0].Op != OpUpsert || changes[1].Op != OpDelete {
		t.Fatalf("unexpected ops: %v %v", changes[0].Op, changes[1].Op)
	}

	unsub()
	if _, err := s.UpsertResponse(&model.HttpResponse{Status: 201}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("listener must not fire after unsubscribe")
	}
}

func TestCancelPendingSweepsStuckRecords(t *testing.T) {
	s := openTestStore(t)

	r, err := s.UpsertResponse(&model.HttpResponse{Elapsed: model.ElapsedPending})
	if err != nil {
		t.Fatalf("upsert response: %v", err)
	}
	c, err := s.UpsertConnection(&model.GrpcConnection{Status: model.StatusPending})
	if err != nil {
		t.Fatalf("upsert connection: %v", err)
	}

	if err := s.CancelPending(); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	gotR, _ := s.GetResponse(r.ID)
	if gotR.Elapsed != model.ElapsedAborted || gotR.Error == "" {
		t.Fatalf("response not swept: %#v", gotR)
	}
	gotC, _ := s.GetConnection(c.ID)
	if gotC.Elapsed != model.ElapsedAborted || gotC.Error == "" {
		t.Fatalf("connection not swept: %#v", gotC)
	}
}

func TestEnvironmentLookupByName(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpsertEnvironment(&model.Environment{
		Name:      "staging",
		Variables: []model.Variable{{Name: "host", Value: "stage.example.com", Enabled: true}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	e, err := s.GetEnvironment("staging")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if len(e.Variables) != 1 || e.Variables[0].Value != "stage.example.com" {
		t.Fatalf("variables not round-tripped: %#v", e.Variables)
	}
}
