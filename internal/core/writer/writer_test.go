package writer

import (
	"testing"
	"time"
)

func TestWriteShipsSingleFragment(t *testing.T) {
	var shipped []Fragment
	w := NewWriter(5, func(f Fragment) error {
		shipped = append(shipped, f)
		return nil
	})
	if err := w.Write([]byte("hello"), true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(shipped) != 1 {
		t.Fatalf("shipped = %d fragments, want 1", len(shipped))
	}
	if shipped[0].Stage != 1 {
		t.Errorf("stage = %d, want 1", shipped[0].Stage)
	}
	if w.InFlightCount() != 1 {
		t.Errorf("in-flight = %d, want 1", w.InFlightCount())
	}
}

func TestWriteSplitsLargeMessage(t *testing.T) {
	var shipped []Fragment
	w := NewWriter(1, func(f Fragment) error {
		shipped = append(shipped, f)
		return nil
	})
	payload := make([]byte, MSS*2+10)
	if err := w.Write(payload, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(shipped) != 3 {
		t.Fatalf("shipped = %d fragments, want 3", len(shipped))
	}
	if shipped[0].Flags&FlagWithAfterPart == 0 {
		t.Errorf("first fragment should carry AFTER-part flag")
	}
	if shipped[1].Flags&FlagWithBeforePart == 0 || shipped[1].Flags&FlagWithAfterPart == 0 {
		t.Errorf("middle fragment should carry both BEFORE and AFTER flags")
	}
	if shipped[2].Flags&FlagWithBeforePart == 0 {
		t.Errorf("last fragment should carry BEFORE-part flag")
	}
}

func TestHandleAckDropsCumulativeAndGaps(t *testing.T) {
	w := NewWriter(1, func(f Fragment) error { return nil })
	for i := uint64(0); i < 6; i++ {
		w.Write([]byte{byte(i)}, true)
	}
	if w.InFlightCount() != 6 {
		t.Fatalf("in-flight = %d, want 6", w.InFlightCount())
	}
	// Ack stages 1-2 cumulatively, plus stage 5 via a (gap=2, run=1) pair.
	w.HandleAck(2, []uint64{2, 1})
	if w.InFlightCount() != 3 {
		t.Errorf("in-flight after ack = %d, want 3 (stages 3,4,6 remaining)", w.InFlightCount())
	}
}

func TestCloseWaitsForInFlightDrain(t *testing.T) {
	w := NewWriter(1, func(f Fragment) error { return nil })
	w.Write([]byte("data"), true)

	done := false
	w.OnDone = func(id uint64) { done = true }

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if done {
		t.Fatalf("OnDone fired before in-flight fragments acked")
	}

	w.HandleAck(2, nil) // acks the data fragment (1) and the END fragment (2)
	if !done {
		t.Errorf("expected OnDone after full drain")
	}
}

func TestTickRetransmitsReliableFragment(t *testing.T) {
	var sends int
	w := NewWriter(1, func(f Fragment) error { sends++; return nil })
	w.Write([]byte("data"), true)
	if sends != 1 {
		t.Fatalf("sends = %d, want 1", sends)
	}

	w.Tick(time.Now().Add(time.Hour))
	if sends != 2 {
		t.Errorf("sends after tick past deadline = %d, want 2", sends)
	}
}

func TestTickAbandonsUnreliableFragment(t *testing.T) {
	var lastFlags byte
	w := NewWriter(1, func(f Fragment) error { lastFlags = f.Flags; return nil })
	w.Write([]byte("data"), false)

	w.Tick(time.Now().Add(time.Hour))
	if lastFlags&FlagAbandon == 0 || lastFlags&FlagEnd == 0 {
		t.Errorf("expected ABANDON|END flags on timed-out unreliable fragment, got %x", lastFlags)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	w := NewWriter(1, func(f Fragment) error { return nil })
	w.Close()
	if err := w.Write([]byte("x"), true); err != ErrWriterClosed {
		t.Errorf("err = %v, want ErrWriterClosed", err)
	}
}
