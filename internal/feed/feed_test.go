package feed

import "testing"

func TestLatest_KeepsNewest(t *testing.T) {
	l := NewLatest[int]()
	for i := 1; i <= 3; i++ {
		if !l.Publish(i) {
			t.Fatalf("Publish(%d) = false, want true", i)
		}
	}
	if got := <-l.C(); got != 3 {
		t.Errorf("received %d, want 3", got)
	}
	select {
	case v := <-l.C():
		t.Errorf("unexpected extra value %d", v)
	default:
	}
}

func TestLatest_Close(t *testing.T) {
	l := NewLatest[string]()
	l.Publish("a")
	l.Close()
	l.Close()
	if !l.Closed() {
		t.Error("Closed() = false, want true")
	}
	if l.Publish("b") {
		t.Error("Publish() after Close = true, want false")
	}
	// a value published before Close but never read is discarded
	if v, ok := <-l.C(); ok {
		t.Errorf("receive after Close = %q, want closed channel", v)
	}
}
