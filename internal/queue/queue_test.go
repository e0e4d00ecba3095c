package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(8)
	now := time.Now()
	texts := []string{"S001", "S002", "S001", "GARBAGE"}
	for _, text := range texts {
		if err := q.Publish(ctx, NewScan(text, now, "test")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	for i, want := range texts {
		select {
		case got := <-ch:
			if got.Text != want {
				t.Fatalf("scan %d: got %q, want %q", i, got.Text, want)
			}
			if got.ID == "" || got.Source != "test" {
				t.Fatalf("scan %d lost metadata: %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for scan %d", i)
		}
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("received a scan from an empty queue")
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer channel not closed after cancel")
	}
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	if err := q.Publish(context.Background(), NewScan("a", time.Now(), "")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, NewScan("b", time.Now(), "")); err == nil {
		t.Fatalf("publish to a full queue returned nil after deadline")
	}
}

func TestDecodeKeepsTextVerbatim(t *testing.T) {
	in := NewScan("  S|001\t", time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), "kiosk")
	payload, err := encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Text != in.Text || out.ID != in.ID || !out.ObservedAt.Equal(in.ObservedAt) {
		t.Fatalf("got %+v, want %+v", out, in)
	}

	if _, err := decode("not json"); err == nil {
		t.Fatalf("decode accepted garbage")
	}
	legacy, err := decode(`{"text":"S001"}`)
	if err != nil || legacy.ID == "" {
		t.Fatalf("decode without id: %+v, %v", legacy, err)
	}
}
