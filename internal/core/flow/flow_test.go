package flow

import "testing"

type recordingHandler struct {
	messages []string
	complete []uint64
}

func (r *recordingHandler) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	r.messages = append(r.messages, string(payload))
}

func (r *recordingHandler) OnFlowComplete(flowID uint64) {
	r.complete = append(r.complete, flowID)
}

func TestFlowInOrderDelivery(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)

	f.Input(1, 0, []byte("a"), false)
	f.Input(2, 0, []byte("b"), false)
	f.Input(3, 0, []byte("c"), false)

	if got := h.messages; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("messages = %v", got)
	}
}

func TestFlowBufferAndDrainOutOfOrder(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)

	f.Input(1, 0, []byte("a"), false)
	f.Input(3, 0, []byte("c"), false) // buffered, waiting for stage 2
	if len(h.messages) != 1 {
		t.Fatalf("expected only 'a' delivered so far, got %v", h.messages)
	}
	f.Input(2, 0, []byte("b"), false) // drains 2 then 3
	if got := h.messages; len(got) != 3 || got[2] != "c" {
		t.Fatalf("messages after drain = %v", got)
	}
}

func TestFlowDuplicateDropped(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)
	f.Input(1, 0, []byte("a"), false)
	f.Input(1, 0, []byte("a-dup"), false)
	if len(h.messages) != 1 {
		t.Fatalf("expected duplicate dropped, got %v", h.messages)
	}
}

func TestFlowAbandonAdvancesAndChargesLoss(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)

	f.Input(1, 0, []byte("a"), false)   // nextStage becomes 2
	f.Input(4, FlagAbandon, nil, false) // skips stages 2-3, charging them as lost

	if f.nextStage != 5 {
		t.Errorf("nextStage = %d, want 5", f.nextStage)
	}
	if f.LostBytes == 0 {
		t.Errorf("expected lost bytes to be charged")
	}
}

func TestFlowSplitMessageAfterBeforeParts(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)

	f.Input(1, FlagWithAfterPart, []byte("hel"), false)
	f.Input(2, 0, []byte("lo"), false)

	if len(h.messages) != 1 || h.messages[0] != "hello" {
		t.Fatalf("messages = %v, want [\"hello\"]", h.messages)
	}
}

func TestFlowBeforePartWithoutBufferIsLost(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)

	f.Input(1, FlagWithBeforePart, []byte("orphaned-tail"), false)
	if len(h.messages) != 0 {
		t.Fatalf("expected no delivery, got %v", h.messages)
	}
	if f.LostBytes != uint64(len("orphaned-tail")) {
		t.Errorf("LostBytes = %d, want %d", f.LostBytes, len("orphaned-tail"))
	}
}

func TestFlowEndFlagCompletesFlow(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)

	f.Input(1, FlagEnd, []byte("last"), true)
	if len(h.complete) != 1 || h.complete[0] != 1 {
		t.Fatalf("expected OnFlowComplete(1), got %v", h.complete)
	}
}

func TestFlowGapsEncoding(t *testing.T) {
	h := &recordingHandler{}
	f := NewFlow(1, h)

	f.Input(1, 0, []byte("a"), false)
	f.Input(3, 0, []byte("c"), false)
	f.Input(4, 0, []byte("d"), false)
	f.Input(7, 0, []byte("g"), false)

	gaps := f.Gaps()
	if len(gaps) != 4 {
		t.Fatalf("gaps = %v, want 4 entries (one gap/run pair per run)", gaps)
	}
}
