package relay

import "testing"

func TestPublishReachesHandler(t *testing.T) {
	h := NewHub()

	var got []Msg
	unsub := h.Subscribe("cn_1", func(m Msg) { got = append(got, m) })
	defer unsub()

	h.Publish("cn_1", Msg{Kind: KindMessage, Payload: `{"a":1}`})
	h.Publish("cn_1", Msg{Kind: KindCommit})

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Kind != KindMessage || got[0].Payload != `{"a":1}` {
		t.Fatalf("unexpected first message: %#v", got[0])
	}
	if got[1].Kind != KindCommit {
		t.Fatalf("unexpected second message: %#v", got[1])
	}
}

func TestPublishUnknownConnectionDropped(t *testing.T) {
	h := NewHub()
	// Must not panic or block.
	h.Publish("cn_missing", Msg{Kind: KindCancel})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()

	count := 0
	unsub := h.Subscribe("cn_1", func(Msg) { count++ })

	h.Publish("cn_1", Msg{Kind: KindMessage})
	unsub()
	unsub() // second call is a no-op
	h.Publish("cn_1", Msg{Kind: KindMessage})

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if h.Subscribed("cn_1") {
		t.Fatalf("connection should be unsubscribed")
	}
}
