package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFake_TickerRepeatsAndStops(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Minute)

	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		select {
		case <-tk.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	tk.Stop()
	c.Advance(time.Minute)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if n := c.pendingLocked(); n != 0 {
		t.Errorf("pending = %d after stop, want 0", n)
	}
}

func TestFake_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not observe the timer")
	}
}

func TestFake_SetBackwardsDoesNotFire(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Hour)
	c.Set(epoch.Add(-time.Hour))
	if !c.Now().Equal(epoch.Add(-time.Hour)) {
		t.Fatalf("Now = %v", c.Now())
	}
	select {
	case <-ch:
		t.Fatal("timer fired on backwards Set")
	default:
	}
}
