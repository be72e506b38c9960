package shmregion

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
)

func readAll(t *testing.T, r Region) []byte {
	t.Helper()
	var got []byte
	err := r.Read(context.Background(), func(rd io.Reader) error {
		b, err := io.ReadAll(rd)
		got = b
		return err
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return got
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	r := NewMemRegion(64)
	if err := r.Write(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := readAll(t, r); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	r := NewMemRegion(4)
	if err := r.Write(context.Background(), []byte("toolong")); err != ipcerr.ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadModifyWritePropagatesFnError(t *testing.T) {
	r := NewMemRegion(64)
	boom := context.Canceled
	err := r.ReadModifyWrite(context.Background(), func(current []byte) ([]byte, error) {
		return nil, boom
	})
	if err != boom {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
	if got := readAll(t, r); len(got) != 0 {
		t.Fatalf("expected untouched region after fn error, got %q", got)
	}
}

func TestWritePulsesUpdates(t *testing.T) {
	r := NewMemRegion(64)
	if err := r.Write(context.Background(), []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-r.Updates():
	case <-time.After(time.Second):
		t.Fatal("expected a pulse on Updates() after Write")
	}
}

func TestMultiplePulsesCoalesce(t *testing.T) {
	r := NewMemRegion(64)
	if err := r.Write(context.Background(), []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Write(context.Background(), []byte("b")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-r.Updates():
	default:
		t.Fatal("expected at least one pending pulse")
	}
	select {
	case <-r.Updates():
		t.Fatal("expected pulses to coalesce into a single pending notification")
	default:
	}
}
