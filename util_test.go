package zamq

import (
	"sync"
	"testing"
	"time"
)

func TestMessageID(t *testing.T) {
	now := time.Now()
	id := NewMessageID()
	cost := time.Since(now)
	t.Log(id, cost)
}

func BenchmarkMessageID(b *testing.B) {
	var m sync.Map

	b.RunParallel(func(p *testing.PB) {
		for p.Next() {
			id := NewMessageID()
			if _, loaded := m.LoadOrStore(id, struct{}{}); loaded {
				b.Fatal()
			}
		}
	})
}

func TestUnwrap(t *testing.T) {
	f := unwrap([][]byte{[]byte("node-1"), []byte(""), []byte("payload")})
	if f == nil {
		t.Fatal("unwrap returned nil")
	}
	if f.from != "node-1" {
		t.Fatalf("from = %q", f.from)
	}
	if string(f.raw) != "payload" {
		t.Fatalf("raw = %q", f.raw)
	}

	if f := unwrap([][]byte{[]byte("only")}); f != nil {
		t.Fatalf("expected nil for short message, got %+v", f)
	}
}

func TestParseU16(t *testing.T) {
	if n := parseU16("2047"); n != 2047 {
		t.Fatalf("parseU16(2047) = %d", n)
	}
	if n := parseU16(""); n != 0 {
		t.Fatalf("parseU16(empty) = %d", n)
	}
	if n := parseU16("70000"); n != 0 {
		t.Fatalf("parseU16(overflow) = %d", n)
	}
}
