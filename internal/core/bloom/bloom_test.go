package bloom

import (
	"fmt"
	"sync"
	"testing"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add(fmt.Sprintf("team:feed:%d", i))
	}
	for i := 0; i < 1000; i++ {
		if !f.MightContain(fmt.Sprintf("team:feed:%d", i)) {
			t.Fatalf("false negative for key %d", i)
		}
	}
	if f.Added() != 1000 {
		t.Fatalf("Added = %d, want 1000", f.Added())
	}
}

func TestFalsePositiveRateWithinBound(t *testing.T) {
	const n = 5000
	f := New(n, 0.01)
	for i := 0; i < n; i++ {
		f.Add(fmt.Sprintf("player:feed:%d", i))
	}

	// probe n unseen keys; expect well under 5% positives for a 1% target
	falsePos := 0
	for i := n; i < 2*n; i++ {
		if f.MightContain(fmt.Sprintf("player:feed:%d", i)) {
			falsePos++
		}
	}
	if rate := float64(falsePos) / float64(n); rate > 0.05 {
		t.Fatalf("false positive rate %.4f exceeds 0.05", rate)
	}
}

func TestSizingDefaults(t *testing.T) {
	// degenerate inputs fall back to safe parameters
	f := New(0, 0)
	if f.Bits() < 64 || f.Hashes() < 1 {
		t.Fatalf("degenerate sizing produced bits=%d hashes=%d", f.Bits(), f.Hashes())
	}

	f2 := NewWithParams(0, 0)
	if f2.Bits() != 64 || f2.Hashes() != 1 {
		t.Fatalf("NewWithParams floor: bits=%d hashes=%d", f2.Bits(), f2.Hashes())
	}
}

func TestConcurrentAddAndCheck(t *testing.T) {
	f := New(10000, 0.01)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("game:feed:%d:%d", w, i)
				f.Add(key)
				if !f.MightContain(key) {
					t.Errorf("lost key %s", key)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if f.Added() != 8*500 {
		t.Fatalf("Added = %d, want %d", f.Added(), 8*500)
	}
}
