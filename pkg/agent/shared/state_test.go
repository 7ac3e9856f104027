package shared

import (
	"fmt"
	"sync"
	"testing"

	"github.com/periscan/periscan/db"
)

func TestState_AddEndpoint_Dedup(t *testing.T) {
	state := NewState()

	first := state.AddEndpoint(&Endpoint{URL: "https://example.com/login", Method: "POST", Priority: 5})
	if !first {
		t.Fatal("Expected first AddEndpoint to return true")
	}

	second := state.AddEndpoint(&Endpoint{URL: "https://example.com/login", Method: "POST", Priority: 9})
	if second {
		t.Error("Expected duplicate AddEndpoint to return false")
	}

	if got := state.Snapshot().EndpointsDiscovered; got != 1 {
		t.Errorf("Expected 1 discovered endpoint, got %d", got)
	}

	// First writer wins: the original priority must survive.
	endpoints := state.UntestedEndpoints(0)
	if len(endpoints) != 1 || endpoints[0].Priority != 5 {
		t.Errorf("Expected original endpoint to be preserved, got %+v", endpoints)
	}
}

func TestState_AddEndpoint_DifferentMethods(t *testing.T) {
	state := NewState()
	state.AddEndpoint(&Endpoint{URL: "https://example.com/users", Method: "GET"})
	added := state.AddEndpoint(&Endpoint{URL: "https://example.com/users", Method: "POST"})
	if !added {
		t.Error("Same URL with different method should be a distinct endpoint")
	}
}

func TestState_UntestedEndpoints_PriorityOrder(t *testing.T) {
	state := NewState()
	state.AddEndpoint(&Endpoint{URL: "https://example.com/a", Method: "GET", Priority: 3})
	state.AddEndpoint(&Endpoint{URL: "https://example.com/b", Method: "GET", Priority: 9})
	state.AddEndpoint(&Endpoint{URL: "https://example.com/c", Method: "GET", Priority: 9})
	state.AddEndpoint(&Endpoint{URL: "https://example.com/d", Method: "GET", Priority: 1})

	got := state.UntestedEndpoints(3)
	if len(got) != 3 {
		t.Fatalf("Expected 3 endpoints, got %d", len(got))
	}
	if got[0].URL != "https://example.com/b" || got[1].URL != "https://example.com/c" {
		t.Errorf("Expected stable descending priority order, got %s, %s", got[0].URL, got[1].URL)
	}
	if got[2].URL != "https://example.com/a" {
		t.Errorf("Expected /a third, got %s", got[2].URL)
	}
}

func TestState_MarkTested(t *testing.T) {
	state := NewState()
	state.AddEndpoint(&Endpoint{URL: "https://example.com/a", Method: "GET"})

	state.MarkTested("https://example.com/a", "get", "200 OK")

	if len(state.UntestedEndpoints(0)) != 0 {
		t.Error("Expected no untested endpoints after MarkTested")
	}
	if got := state.Snapshot().EndpointsTested; got != 1 {
		t.Errorf("Expected 1 tested endpoint, got %d", got)
	}

	// Marking again must not bump the counter.
	state.MarkTested("https://example.com/a", "GET", "200 OK")
	if got := state.Snapshot().EndpointsTested; got != 1 {
		t.Errorf("Tested counter must not double-count, got %d", got)
	}
}

func TestState_Events(t *testing.T) {
	state := NewState()

	var discovered, suspected, found int
	state.Bus().Subscribe(TopicEndpointDiscovered, func(e Event) { discovered++ })
	state.Bus().Subscribe(TopicVulnSuspected, func(e Event) { suspected++ })
	state.Bus().Subscribe(TopicVulnFound, func(e Event) { found++ })

	state.AddEndpoint(&Endpoint{URL: "https://example.com/", Method: "GET"})
	state.ReportSuspicion(&Suspicion{Type: db.VulnSQLI, URL: "https://example.com/login"})
	state.AddVulnerability(&db.Vulnerability{Name: "SQL Injection"})

	if discovered != 1 || suspected != 1 || found != 1 {
		t.Errorf("Expected 1/1/1 events, got %d/%d/%d", discovered, suspected, found)
	}
}

func TestState_Clear(t *testing.T) {
	state := NewState()
	fired := false
	state.Bus().Subscribe(TopicEndpointDiscovered, func(e Event) { fired = true })

	state.AddEndpoint(&Endpoint{URL: "https://example.com/", Method: "GET"})
	if !fired {
		t.Fatal("Expected subscription to fire before Clear")
	}

	state.Clear()
	fired = false
	state.AddEndpoint(&Endpoint{URL: "https://example.com/", Method: "GET"})
	if fired {
		t.Error("Expected subscribers to be released by Clear")
	}
	if got := state.Snapshot().EndpointsDiscovered; got != 1 {
		t.Errorf("Expected counters reset by Clear, got %d", got)
	}
}

func TestState_ConcurrentAdds(t *testing.T) {
	state := NewState()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// All goroutines race on the same key; exactly one must win.
			state.AddEndpoint(&Endpoint{URL: "https://example.com/race", Method: "GET"})
		}()
	}
	wg.Wait()

	if got := state.Snapshot().EndpointsDiscovered; got != 1 {
		t.Errorf("Expected exactly 1 endpoint after concurrent adds, got %d", got)
	}
}

func TestEndpoint_HasInput(t *testing.T) {
	cases := []struct {
		endpoint Endpoint
		want     bool
	}{
		{Endpoint{URL: "https://example.com/static"}, false},
		{Endpoint{URL: "https://example.com/search?q=test"}, true},
		{Endpoint{URL: "https://example.com/login", Params: map[string]string{"user": "a"}}, true},
		{Endpoint{URL: "https://example.com/api", Body: `{"id": 1}`}, true},
	}
	for _, c := range cases {
		if got := c.endpoint.HasInput(); got != c.want {
			t.Errorf("HasInput(%s) = %v, want %v", c.endpoint.URL, got, c.want)
		}
	}
}

func TestState_ReadsAreSnapshotsDuringMarkTested(t *testing.T) {
	state := NewState()
	for i := 0; i < 8; i++ {
		state.AddEndpoint(&Endpoint{URL: fmt.Sprintf("https://example.com/e%d", i), Method: "GET"})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			state.MarkTested(fmt.Sprintf("https://example.com/e%d", i%8), "GET", "status=200 ok")
		}
	}()

	// Accessor results must be stable copies: a tested endpoint always
	// carries its result, no matter how the writer interleaves.
	for i := 0; i < 500; i++ {
		for _, e := range state.Endpoints() {
			if e.Tested && e.LastResult == "" {
				t.Fatal("Tested endpoint observed without its result")
			}
		}
		for _, e := range state.UntestedEndpoints(0) {
			if e.Tested {
				t.Fatal("UntestedEndpoints returned a tested endpoint")
			}
		}
	}
	<-done
}

func TestBus_SubscriptionOrderAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var order []int
	unsub1 := bus.Subscribe(TopicWorkerLog, func(e Event) { order = append(order, 1) })
	bus.Subscribe(TopicWorkerLog, func(e Event) { order = append(order, 2) })

	bus.Publish(Event{Topic: TopicWorkerLog})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("Expected delivery in subscription order, got %v", order)
	}

	unsub1()
	order = nil
	bus.Publish(Event{Topic: TopicWorkerLog})
	if len(order) != 1 || order[0] != 2 {
		t.Errorf("Expected only remaining subscriber after unsubscribe, got %v", order)
	}
}

func TestBus_AgentMessaging(t *testing.T) {
	bus := NewBus()

	var scannerInbox, fuzzerInbox []AgentMessage
	bus.SubscribeAgent("scanner-1", func(m AgentMessage) { scannerInbox = append(scannerInbox, m) })
	bus.SubscribeAgent("fuzzer-1", func(m AgentMessage) { fuzzerInbox = append(fuzzerInbox, m) })

	bus.Send(AgentMessage{From: "crawler-1", To: "scanner-1", Subject: "new endpoint"})
	if len(scannerInbox) != 1 || len(fuzzerInbox) != 0 {
		t.Errorf("Expected point-to-point delivery, got %d/%d", len(scannerInbox), len(fuzzerInbox))
	}

	bus.Broadcast(AgentMessage{From: "scanner-1", Subject: "pause"})
	if len(fuzzerInbox) != 1 {
		t.Errorf("Expected broadcast to reach fuzzer, got %d", len(fuzzerInbox))
	}
	if len(scannerInbox) != 1 {
		t.Errorf("Broadcast must not echo to the sender, got %d", len(scannerInbox))
	}
}
