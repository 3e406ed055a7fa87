package main

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/config"
	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream/mock"
)

func TestSourceFrom_WAV(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 8000, Channels: 1}
	pcm := bytes.Repeat([]byte{1, 2}, 8000)
	wav := audio.EncodeWAV(pcm, f)

	src, got, err := sourceFrom(bytes.NewReader(wav), int64(len(wav)), "clip.wav", audio.DefaultFormat)
	if err != nil {
		t.Fatalf("sourceFrom: %v", err)
	}
	if got != f {
		t.Errorf("format = %+v, want %+v", got, f)
	}
	if src.Size() != int64(len(pcm)) || src.ID() != "clip.wav" {
		t.Errorf("source size = %d id = %q", src.Size(), src.ID())
	}
	head := make([]byte, 4)
	if _, err := src.ReadAt(head, 0); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(head, pcm[:4]) {
		t.Errorf("payload starts with %v, want PCM %v", head, pcm[:4])
	}
}

func TestSourceFrom_RawPCM(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 3200)
	src, got, err := sourceFrom(bytes.NewReader(pcm), int64(len(pcm)), "clip.pcm", audio.DefaultFormat)
	if err != nil {
		t.Fatalf("sourceFrom: %v", err)
	}
	if got != audio.DefaultFormat || src.Size() != int64(len(pcm)) {
		t.Errorf("format = %+v size = %d", got, src.Size())
	}
}

func TestSourceFrom_InvalidRawFormat(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 3200)
	if _, _, err := sourceFrom(bytes.NewReader(pcm), int64(len(pcm)), "clip.pcm", audio.Format{}); err == nil {
		t.Error("expected error for invalid raw format")
	}
}

func TestRegisterBuiltinUpstreams(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinUpstreams(reg)

	want := []string{"deepgram", "mock", "openai", "whisper"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	c, err := reg.Create(config.UpstreamEntry{Name: "mock", Options: map[string]any{"latency": "15ms"}})
	if err != nil {
		t.Fatalf("Create mock: %v", err)
	}
	if m, ok := c.(*mock.Caller); !ok || m.Latency != 15*time.Millisecond {
		t.Errorf("mock caller = %#v", c)
	}

	if _, err := reg.Create(config.UpstreamEntry{Name: "mock", Options: map[string]any{"latency": "soon"}}); err == nil {
		t.Error("expected error for bad mock latency")
	}
	if _, err := reg.Create(config.UpstreamEntry{Name: "openai"}); err == nil {
		t.Error("expected error for openai without api key")
	}
	if _, err := reg.Create(config.UpstreamEntry{Name: "whisper", BaseURL: "http://localhost:8080"}); err != nil {
		t.Errorf("Create whisper: %v", err)
	}
}

func TestDeadlineFrom(t *testing.T) {
	t.Parallel()
	if !deadlineFrom(0).IsZero() {
		t.Error("zero duration should mean no deadline")
	}
	if d := time.Until(deadlineFrom(time.Minute)); d <= 0 || d > time.Minute {
		t.Errorf("deadline in %v, want within a minute", d)
	}
}
