package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	c, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := c.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "host", "api.deepgram.com", c.Host())
}

func TestBuildURL_Options(t *testing.T) {
	c, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithFormat(audio.Format{SampleRate: 48000, Channels: 2}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, _ := c.buildURL()
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "channels", "2", q.Get("channels"))
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- response parsing ----

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		wantText  string
		wantFinal bool
		wantDone  bool
	}{
		{"interim", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`, "hel", false, false},
		{"final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" hello "}]}}`, "hello", true, false},
		{"finalized", `{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":"world"}]}}`, "world", true, true},
		{"metadata", `{"type":"Metadata","request_id":"abc"}`, "", false, false},
		{"garbage", `not json`, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, final, done := parseResult([]byte(tt.msg))
			if text != tt.wantText || final != tt.wantFinal || done != tt.wantDone {
				t.Errorf("parseResult = (%q, %v, %v), want (%q, %v, %v)", text, final, done, tt.wantText, tt.wantFinal, tt.wantDone)
			}
		})
	}
}

// ---- end-to-end against a fake socket ----

// newFakeDeepgram answers each Finalize with an interim result, a final
// result and a from_finalize result carrying the byte count it received.
func newFakeDeepgram(t *testing.T, received *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			typ, msg, err := ws.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received.Add(int64(len(msg)))
				continue
			}
			var ctrl struct{ Type string }
			_ = json.Unmarshal(msg, &ctrl)
			if ctrl.Type != "Finalize" {
				continue
			}
			for _, m := range []map[string]any{
				result("part", false, false),
				result("first half", true, false),
				result("second half", true, true),
			} {
				b, _ := json.Marshal(m)
				if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func result(text string, final, fromFinalize bool) map[string]any {
	return map[string]any{
		"type":          "Results",
		"is_final":      final,
		"from_finalize": fromFinalize,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.9}},
		},
	}
}

func TestCall_StreamsAndCollectsFinals(t *testing.T) {
	var received atomic.Int64
	srv := newFakeDeepgram(t, &received)

	c, err := New("test-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/listen"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := c.Dialer()
	conn, err := d.Dial(ctx, c.Host())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	pcm := make([]byte, frameBytes*2+100)
	for i := 0; i < 2; i++ { // the same socket serves sequential chunks
		resp, err := c.Call(ctx, conn, upstream.Request{Audio: pcm, Index: i})
		if err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
		if resp.Text != "first half second half" {
			t.Errorf("Call %d Text = %q", i, resp.Text)
		}
	}
	if got := received.Load(); got != int64(2*len(pcm)) {
		t.Errorf("server received %d bytes, want %d", got, 2*len(pcm))
	}
	if err := d.Probe(ctx, conn); err != nil {
		t.Errorf("Probe on live socket: %v", err)
	}
}

func TestDial_UnauthorizedIsRejected(t *testing.T) {
	var received atomic.Int64
	srv := newFakeDeepgram(t, &received)

	c, _ := New("wrong-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := c.Dialer().Dial(context.Background(), c.Host())
	if got := upstream.Classify(err); got != upstream.KindRejected {
		t.Fatalf("Classify(%v) = %v, want rejected", err, got)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
