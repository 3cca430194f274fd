package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterThenGetOrCreate_KeepsRegisteredContext(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{DriverName: "Sam", LoadNumber: "482", PhoneNumber: "+15550100"})

	got := s.GetOrCreate("call_1", Context{DriverName: "Driver", LoadNumber: "your load"})
	if got.DriverName != "Sam" || got.LoadNumber != "482" {
		t.Fatalf("context=%+v, want registered values", got)
	}
	if s.Count() != 1 {
		t.Fatalf("Count=%d, want 1", s.Count())
	}
}

func TestGetOrCreate_LazyForUnregisteredCall(t *testing.T) {
	s := NewStore()
	got := s.GetOrCreate("call_x", Context{DriverName: "Driver", LoadNumber: "your load"})
	if got.DriverName != "Driver" {
		t.Fatalf("context=%+v, want defaults", got)
	}
	if s.Count() != 1 {
		t.Fatalf("Count=%d, want 1", s.Count())
	}
}

func TestMergeExtracted_NeverRevertsPopulatedField(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{})

	s.MergeExtracted("call_1", map[string]any{
		"current_location": "I-10 near Phoenix",
		"driver_status":    "Driving",
	})
	acc := s.MergeExtracted("call_1", map[string]any{
		"current_location": "",  // empty must not win
		"driver_status":    nil, // nil must not win
		"eta":              "tomorrow 8am",
	})

	if acc["current_location"] != "I-10 near Phoenix" {
		t.Fatalf("current_location=%v, want preserved", acc["current_location"])
	}
	if acc["driver_status"] != "Driving" {
		t.Fatalf("driver_status=%v, want preserved", acc["driver_status"])
	}
	if acc["eta"] != "tomorrow 8am" {
		t.Fatalf("eta=%v, want merged", acc["eta"])
	}
}

func TestMergeExtracted_OverwritesWithNewNonEmptyValue(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{})

	s.MergeExtracted("call_1", map[string]any{"eta": "8am"})
	acc := s.MergeExtracted("call_1", map[string]any{"eta": "10am"})
	if acc["eta"] != "10am" {
		t.Fatalf("eta=%v, want latest non-empty value", acc["eta"])
	}
}

func TestMergeExtracted_ReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{})

	acc := s.MergeExtracted("call_1", map[string]any{"eta": "8am"})
	acc["eta"] = "mutated"

	if got := s.Extracted("call_1"); got["eta"] != "8am" {
		t.Fatalf("eta=%v, store state leaked through returned map", got["eta"])
	}
}

func TestReplaceTranscript_Wholesale(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{})

	s.ReplaceTranscript("call_1", []Turn{{Role: "assistant", Content: "Hi"}})
	s.ReplaceTranscript("call_1", []Turn{
		{Role: "assistant", Content: "Hi"},
		{Role: "user", Content: "hello"},
	})

	sess, ok := s.TakeForFinalize("call_1")
	if !ok {
		t.Fatalf("TakeForFinalize: session missing")
	}
	if len(sess.Transcript) != 2 || sess.Transcript[1].Content != "hello" {
		t.Fatalf("transcript=%+v", sess.Transcript)
	}
}

func TestTakeForFinalize_ExactlyOnceUnderConcurrency(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{DriverName: "Sam"})

	const callers = 32
	var won atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := s.TakeForFinalize("call_1"); ok {
				won.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("winners=%d, want exactly 1", won.Load())
	}
	if s.Count() != 0 {
		t.Fatalf("Count=%d, want 0 after finalize", s.Count())
	}
}

func TestTakeForFinalize_UnknownCallIsAbsent(t *testing.T) {
	s := NewStore()
	if _, ok := s.TakeForFinalize("never-seen"); ok {
		t.Fatalf("unknown call must be absent")
	}
}

func TestMutationsAfterFinalizeAreNoOps(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{})
	if _, ok := s.TakeForFinalize("call_1"); !ok {
		t.Fatalf("take failed")
	}

	if acc := s.MergeExtracted("call_1", map[string]any{"eta": "8am"}); acc != nil {
		t.Fatalf("merge after finalize returned %v, want nil", acc)
	}
	s.ReplaceTranscript("call_1", []Turn{{Role: "user", Content: "late"}})
	if got := s.Extracted("call_1"); got != nil {
		t.Fatalf("extracted after finalize=%v, want nil", got)
	}
}

func TestWait_ReturnsOnceAllSessionsFinalized(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{})
	s.Register("call_2", Context{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if s.Wait(ctx) {
		t.Fatalf("Wait should time out while sessions are live")
	}

	s.TakeForFinalize("call_1")
	s.TakeForFinalize("call_2")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !s.Wait(ctx2) {
		t.Fatalf("Wait should return after all sessions finalized")
	}
}

func TestCancelAll_InvokesAttachedCancels(t *testing.T) {
	s := NewStore()
	s.Register("call_1", Context{})
	s.Register("call_2", Context{})

	var fired atomic.Int32
	s.AttachCancel("call_1", func() { fired.Add(1) })

	if n := s.CancelAll(); n != 1 {
		t.Fatalf("CancelAll=%d, want 1 (only one cancel attached)", n)
	}
	if fired.Load() != 1 {
		t.Fatalf("cancel fired %d times, want 1", fired.Load())
	}
}
