package ingest

import (
	"io"
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)

	src, w, ok := reg.Register("cam1")
	if !ok {
		t.Fatal("Register returned false for new key")
	}
	if src == nil || w == nil {
		t.Fatal("Register returned nil source or writer")
	}
	if src.Key != "cam1" {
		t.Errorf("Key = %q, want cam1", src.Key)
	}

	got, ok := reg.Get("cam1")
	if !ok || got != src {
		t.Error("Get should return the registered source")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get should miss for unknown key")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	if _, _, ok := reg.Register("cam1"); !ok {
		t.Fatal("first Register failed")
	}
	if _, _, ok := reg.Register("cam1"); ok {
		t.Error("duplicate Register should return false")
	}
	if got := len(reg.List()); got != 1 {
		t.Errorf("List length = %d, want 1", got)
	}
}

func TestWriterFeedsReader(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	src, w, _ := reg.Register("cam1")

	payload := []byte("mpegts bytes")
	go func() {
		w.Write(payload)
	}()

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(src.Reader(), buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(payload) {
		t.Errorf("read %q, want %q", buf, payload)
	}
}

func TestUnregisterSignalsDone(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	src, _, _ := reg.Register("cam1")

	select {
	case <-src.Done():
		t.Fatal("Done closed before Unregister")
	default:
	}

	reg.Unregister("cam1")

	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Unregister")
	}

	if _, ok := reg.Get("cam1"); ok {
		t.Error("source still listed after Unregister")
	}

	// Reader sees end of stream once the write side is closed.
	if _, err := src.Reader().Read(make([]byte, 1)); err == nil {
		t.Error("Reader should fail after Unregister")
	}

	// Unknown keys are a no-op.
	reg.Unregister("cam1")
}

func TestOnSourceCallback(t *testing.T) {
	t.Parallel()

	seen := make(chan *Source, 1)
	reg := NewRegistry(func(src *Source) { seen <- src })

	src, _, _ := reg.Register("cam1")

	select {
	case got := <-seen:
		if got != src {
			t.Error("callback received a different source")
		}
	case <-time.After(time.Second):
		t.Fatal("onSource callback not invoked")
	}
}

func TestSourceStats(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	src, _, _ := reg.Register("cam1")
	src.SetRemoteAddr("203.0.113.9:9000")
	src.RecordRead(1316)
	src.RecordRead(1316)

	st := src.Stats()
	if st.BytesReceived != 2632 {
		t.Errorf("BytesReceived = %d, want 2632", st.BytesReceived)
	}
	if st.ReadCount != 2 {
		t.Errorf("ReadCount = %d, want 2", st.ReadCount)
	}
	if st.RemoteAddr != "203.0.113.9:9000" {
		t.Errorf("RemoteAddr = %q", st.RemoteAddr)
	}
	if st.UptimeMs < 0 {
		t.Errorf("UptimeMs = %d", st.UptimeMs)
	}
}
