package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateString()

	if len(id) != 26 {
		t.Errorf("ULID should be 26 characters, got %d", len(id))
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{InvocationPrefix, SpanPrefix, ConnPrefix} {
		id := gen.GenerateWithPrefix(prefix)

		if !strings.HasPrefix(id, prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", prefix, id)
		}

		parts := strings.Split(id, "_")
		if len(parts) != 2 {
			t.Fatalf("Prefixed ID should have format 'prefix_ulid', got: %s", id)
		}

		if !IsValid(parts[1]) {
			t.Errorf("ULID part should be valid: %s", parts[1])
		}
	}
}

func TestTypedIDs(t *testing.T) {
	inv := NewInvocationID()
	if !strings.HasPrefix(inv.String(), "inv_") {
		t.Errorf("unexpected invocation id %s", inv)
	}

	span := NewSpanID()
	if !strings.HasPrefix(span.String(), "span_") {
		t.Errorf("unexpected span id %s", span)
	}

	conn := NewConnID()
	if !strings.HasPrefix(conn.String(), "conn_") {
		t.Errorf("unexpected conn id %s", conn)
	}
}

func TestSortable(t *testing.T) {
	gen := NewGenerator()

	prev := gen.GenerateString()
	for i := 0; i < 100; i++ {
		next := gen.GenerateString()
		if next <= prev {
			t.Fatalf("IDs should be monotonically increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	raw := NewGenerator().GenerateString()

	ts, err := Timestamp(raw)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Before(before) {
		t.Errorf("timestamp %v should not be before %v", ts, before)
	}

	if _, err := Timestamp("not-a-ulid"); err == nil {
		t.Error("expected error for invalid ULID")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := gen.GenerateString()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 800 {
		t.Errorf("expected 800 unique IDs, got %d", len(seen))
	}
}
