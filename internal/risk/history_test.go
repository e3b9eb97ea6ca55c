package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHistory_RecordAndProfile(t *testing.T) {
	h := NewHistory(0)
	h.Record("usr-1", RequestContext{IP: "203.0.113.9", DeviceID: "tablet-7", At: mondayMorning})
	h.Record("usr-1", RequestContext{IP: "bogus", At: mondayMorning})

	p, err := h.Profile(context.Background(), "usr-1")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if !p.KnownIP("203.0.113.9") || !p.KnownDevice("tablet-7") {
		t.Errorf("Profile() = %+v", p)
	}
	if p.KnownIP("bogus") || len(p.IPs) != 1 {
		t.Errorf("unparsable IP was recorded: %v", p.IPs)
	}

	p.IPs["6.6.6.6"] = mondayMorning
	again, _ := h.Profile(context.Background(), "usr-1")
	if again.KnownIP("6.6.6.6") {
		t.Error("Profile() shares memory with the history")
	}

	empty, _ := h.Profile(context.Background(), "usr-unknown")
	if len(empty.IPs) != 0 || h.Users() != 1 {
		t.Errorf("unknown user profile = %+v, Users() = %d", empty, h.Users())
	}
}

func TestHistory_Bounded(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record("usr-1", RequestContext{IP: fmt.Sprintf("203.0.113.%d", i), At: mondayMorning.Add(time.Duration(i) * time.Minute)})
	}

	p, _ := h.Profile(context.Background(), "usr-1")
	if len(p.IPs) != 3 {
		t.Fatalf("len(IPs) = %d, want 3", len(p.IPs))
	}
	if p.KnownIP("203.0.113.0") || p.KnownIP("203.0.113.1") {
		t.Error("oldest IPs were not evicted")
	}
	if !p.KnownIP("203.0.113.4") {
		t.Error("newest IP missing")
	}
}

func TestHistory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHistory(0).Profile(ctx, "usr-1"); err == nil {
		t.Error("Profile() with cancelled context expected error")
	}
}

func TestHistory_Concurrent(t *testing.T) {
	h := NewHistory(8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				user := fmt.Sprintf("usr-%d", i%10)
				h.Record(user, RequestContext{IP: fmt.Sprintf("10.0.%d.%d", w, i%20), DeviceID: "d", At: time.Now()})
				if _, err := h.Profile(context.Background(), user); err != nil {
					t.Errorf("Profile() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	if h.Users() != 10 {
		t.Errorf("Users() = %d, want 10", h.Users())
	}
}
