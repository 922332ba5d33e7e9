package bus

import (
	"context"
	"sort"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("test")

	sub := conn.Subscribe(Topic{"cell", "state", "engine"})
	conn.Publish(conn.NewMessage(Topic{"cell", "state", "engine"}, "running", false))

	select {
	case got := <-sub.Channel():
		if got.Payload.(string) != "running" {
			t.Errorf("payload = %v, want running", got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("test")

	conn.Publish(conn.NewMessage(Topic{"cell", "state", "valve"}, "idle", true))

	sub := conn.Subscribe(Topic{"cell", "state", "valve"})
	select {
	case got := <-sub.Channel():
		if got.Payload.(string) != "idle" {
			t.Errorf("retained payload = %v, want idle", got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for retained message")
	}
}

func TestRetainedClear(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	c.Publish(c.NewMessage(Topic{"cell", "state", "soc"}, 0.5, true))
	c.Publish(c.NewMessage(Topic{"cell", "state", "soc"}, nil, true))

	sub := c.Subscribe(Topic{"cell", "state", "soc"})
	select {
	case got := <-sub.Channel():
		t.Fatalf("expected no retained message after clear, got %#v", got.Payload)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestWildcardOneLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	sMid := c.Subscribe(Topic{"cell", "control", WildOne, "set"})
	sAll := c.Subscribe(Topic{"cell", WildOne, WildOne, WildOne})
	sNo := c.Subscribe(Topic{"cell", "control", WildOne, "get"})

	c.Publish(c.NewMessage(Topic{"cell", "control", "lambda", "set"}, 1.2, false))

	expectPayload(t, sMid, 1.2)
	expectPayload(t, sAll, 1.2)
	expectNone(t, sNo)

	// Wrong depth never matches "+".
	c.Publish(c.NewMessage(Topic{"cell", "control", "set"}, 0, false))
	expectNone(t, sMid)
	expectNone(t, sAll)
}

func TestWildcardRest(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	sRest := c.Subscribe(Topic{"cell", WildAll})
	sRoot := c.Subscribe(Topic{WildAll})
	sDeep := c.Subscribe(Topic{"cell", "state", WildAll})

	c.Publish(c.NewMessage(Topic{"cell"}, "a", false))
	expectPayload(t, sRest, "a")
	expectPayload(t, sRoot, "a")
	expectNone(t, sDeep)

	c.Publish(c.NewMessage(Topic{"cell", "state", "engine"}, "b", false))
	expectPayload(t, sRest, "b")
	expectPayload(t, sRoot, "b")
	expectPayload(t, sDeep, "b")
}

func TestWildcardRetainedReplay(t *testing.T) {
	b := NewBus(32)
	c := b.NewConnection("test")

	c.Publish(c.NewMessage(Topic{"cell", "state", "engine"}, "e", true))
	c.Publish(c.NewMessage(Topic{"cell", "state", "valve"}, "v", true))
	c.Publish(c.NewMessage(Topic{"cell", "device", "pump_a"}, "p", true))

	sub := c.Subscribe(Topic{"cell", "state", WildOne})
	got := drainStrings(t, sub, 2)
	sort.Strings(got)
	if got[0] != "e" || got[1] != "v" {
		t.Fatalf("retained replay = %v, want [e v]", got)
	}

	all := c.Subscribe(Topic{"cell", WildAll})
	if got := drainStrings(t, all, 3); len(got) != 3 {
		t.Fatalf("expected 3 retained under cell/#, got %v", got)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBus(1)
	c := b.NewConnection("test")

	sub := c.Subscribe(Topic{"cell", "state", "engine"})
	c.Publish(c.NewMessage(Topic{"cell", "state", "engine"}, "old", false))
	c.Publish(c.NewMessage(Topic{"cell", "state", "engine"}, "new", false))

	expectPayload(t, sub, "new")
}

func TestRequestReply(t *testing.T) {
	b := NewBus(8)
	caller := b.NewConnection("web")
	engine := b.NewConnection("engine")

	cmdTopic := Topic{"cell", "control", "loop", "start"}
	cmdSub := engine.Subscribe(cmdTopic)
	defer engine.Unsubscribe(cmdSub)

	go func() {
		if msg, ok := <-cmdSub.Channel(); ok {
			engine.Reply(msg, "ok", false)
		}
	}()

	req := b.NewMessage(cmdTopic, nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	reply, err := caller.RequestWait(ctx, req)
	if err != nil {
		t.Fatalf("RequestWait: %v", err)
	}
	if reply.Payload.(string) != "ok" {
		t.Fatalf("reply payload = %v, want ok", reply.Payload)
	}
	if !reply.Topic.Equal(req.ReplyTo) {
		t.Fatalf("reply topic %v != ReplyTo %v", reply.Topic, req.ReplyTo)
	}
}

func TestRequestWaitTimeout(t *testing.T) {
	b := NewBus(8)
	caller := b.NewConnection("web")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := caller.RequestWait(ctx, b.NewMessage(Topic{"cell", "control", "nobody"}, nil, false))
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDisconnectClosesSubscriptions(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	sub := c.Subscribe(Topic{"cell", WildAll})

	c.Disconnect()

	if _, ok := <-sub.Channel(); ok {
		t.Fatal("expected closed channel after Disconnect")
	}
}

func expectPayload(t *testing.T, sub *Subscription, want any) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		if got.Payload != want {
			t.Fatalf("payload = %v, want %v", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %v", want)
	}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message: %#v", got.Payload)
	case <-time.After(60 * time.Millisecond):
	}
}

func drainStrings(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	deadline := time.Now().Add(300 * time.Millisecond)
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if s, ok := m.Payload.(string); ok {
				out = append(out, s)
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(out) != n {
		t.Fatalf("expected %d messages, got %d (%v)", n, len(out), out)
	}
	return out
}
