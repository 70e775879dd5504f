package inputstate

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/dshills/macroreplay/internal/evcode"
)

type call struct {
	code    uint16
	pressed bool
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	fail  map[uint16]bool
}

func (r *recorder) set(code uint16, pressed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{code, pressed})
	if r.fail[code] {
		return errors.New("injection failed")
	}
	return nil
}

func TestTrackerPressRelease(t *testing.T) {
	tr := NewKeyTracker()
	tr.Press(30)
	tr.Press(31)
	tr.Press(30)

	if tr.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tr.Len())
	}
	if !tr.IsPressed(31) {
		t.Error("IsPressed(31) = false")
	}
	tr.Release(31)
	if tr.IsPressed(31) {
		t.Error("IsPressed(31) = true after Release")
	}
	if got := tr.Snapshot(); !slices.Equal(got, []uint16{30}) {
		t.Errorf("Snapshot() = %v, want [30]", got)
	}
}

func TestReleaseAllKeys(t *testing.T) {
	tr := NewKeyTracker()
	tr.Press(42)
	tr.Press(30)

	rec := &recorder{}
	held, err := tr.ReleaseAll(rec.set)
	if err != nil {
		t.Fatalf("ReleaseAll failed: %v", err)
	}
	if !slices.Equal(held, []uint16{30, 42}) {
		t.Errorf("held = %v, want [30 42]", held)
	}
	want := []call{{30, false}, {42, false}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
	if tr.Len() != 0 {
		t.Errorf("Len() = %d after ReleaseAll, want 0", tr.Len())
	}
}

func TestReleaseAllButtonsFailsafe(t *testing.T) {
	tr := NewButtonTracker()
	tr.Press(evcode.BtnLeft)
	tr.Press(evcode.BtnSide)

	rec := &recorder{}
	if _, err := tr.ReleaseAll(rec.set); err != nil {
		t.Fatalf("ReleaseAll failed: %v", err)
	}

	want := []call{
		{evcode.BtnLeft, false},
		{evcode.BtnSide, false},
		{evcode.BtnRight, false},
		{evcode.BtnMiddle, false},
	}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}

	// Failsafe still fires with nothing tracked.
	rec = &recorder{}
	_, _ = tr.ReleaseAll(rec.set)
	if len(rec.calls) != len(FailsafeButtons) {
		t.Errorf("empty ReleaseAll made %d calls, want %d", len(rec.calls), len(FailsafeButtons))
	}
}

func TestReleaseAllContinuesOnError(t *testing.T) {
	tr := NewKeyTracker()
	tr.Press(1)
	tr.Press(2)

	rec := &recorder{fail: map[uint16]bool{1: true}}
	_, err := tr.ReleaseAll(rec.set)
	if err == nil {
		t.Error("ReleaseAll should report the failed release")
	}
	if len(rec.calls) != 2 {
		t.Errorf("made %d calls, want 2", len(rec.calls))
	}
	if tr.Len() != 0 {
		t.Error("tracked set must be cleared even when a release fails")
	}
}

func TestRestoreAll(t *testing.T) {
	tr := NewKeyTracker()
	rec := &recorder{fail: map[uint16]bool{3: true}}

	err := tr.RestoreAll(rec.set, []uint16{1, 2, 3, 4})
	if err == nil {
		t.Fatal("RestoreAll should stop at the failing code")
	}
	if got := tr.Snapshot(); !slices.Equal(got, []uint16{1, 2}) {
		t.Errorf("Snapshot() = %v, want [1 2]", got)
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewButtonTracker()
	rec := &recorder{}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				code := uint16(i*100 + j)
				tr.Press(code)
				if j%10 == 0 {
					_, _ = tr.ReleaseAll(rec.set)
				}
				tr.Release(code)
			}
		}(i)
	}
	wg.Wait()

	if tr.Len() != 0 {
		t.Errorf("Len() = %d after concurrent churn, want 0", tr.Len())
	}
}
