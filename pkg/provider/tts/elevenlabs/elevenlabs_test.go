package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livepersona/pkg/provider/tts"
)

// fakeServer is an ElevenLabs stream-input endpoint. It records the text
// messages it receives and answers the flush with the configured frames.
func fakeServer(t *testing.T, frames []audioResponse, received chan<- textMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		for {
			var msg textMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if received != nil {
				received <- msg
			}
			if msg.Text == "" {
				break
			}
		}
		for _, f := range frames {
			if err := wsjson.Write(ctx, conn, f); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

func pcmFrame(n int) audioResponse {
	return audioResponse{Audio: base64.StdEncoding.EncodeToString(make([]byte, n))}
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		p, err := New("key")
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p.model != defaultModel || p.outputFormat != defaultOutputFmt || p.sampleRate != 16000 {
			t.Errorf("unexpected defaults: %+v", p)
		}
	})

	t.Run("empty key", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty apiKey")
		}
	})

	t.Run("non pcm format", func(t *testing.T) {
		if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
			t.Fatal("expected error for mp3 output")
		}
	})

	t.Run("custom format", func(t *testing.T) {
		p, err := New("key", WithOutputFormat("pcm_24000"), WithModel("eleven_turbo_v2"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p.sampleRate != 24000 || p.model != "eleven_turbo_v2" {
			t.Errorf("got rate %d model %q", p.sampleRate, p.model)
		}
	})
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithBaseURL("wss://example.test/"))
	got := p.streamURL("voice-abc123")
	want := "wss://example.test/v1/text-to-speech/voice-abc123/stream-input?model_id=eleven_flash_v2_5&output_format=pcm_16000"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// ---- Synthesize ----

func TestSynthesize_CollectsAudio(t *testing.T) {
	t.Parallel()

	received := make(chan textMessage, 8)
	srv := fakeServer(t, []audioResponse{pcmFrame(16000), pcmFrame(16000), {IsFinal: true}}, received)
	defer srv.Close()

	p, err := New("secret", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	audio, err := p.Synthesize(ctx, "Hello chat!", tts.VoiceProfile{ID: "v1", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio.Data) != 32000 {
		t.Errorf("got %d bytes, want 32000", len(audio.Data))
	}
	if audio.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", audio.Duration)
	}

	boi := <-received
	if boi.Text != " " || boi.XiAPIKey != "secret" || boi.VoiceSettings == nil || boi.VoiceSettings.Speed != 1.1 {
		t.Errorf("handshake = %+v", boi)
	}
	if sentence := <-received; strings.TrimSpace(sentence.Text) != "Hello chat!" {
		t.Errorf("sentence = %q", sentence.Text)
	}
	if flush := <-received; flush.Text != "" {
		t.Errorf("flush = %q, want empty", flush.Text)
	}
}

func TestSynthesize_NormalCloseWithoutFinal(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t, []audioResponse{pcmFrame(3200)}, nil)
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	audio, err := p.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", audio.Duration)
	}
}

func TestSynthesize_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []audioResponse
	}{
		{"server error", []audioResponse{{Error: "quota_exceeded", Message: "out of credits"}}},
		{"no audio", []audioResponse{{IsFinal: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := fakeServer(t, tt.frames, nil)
			defer srv.Close()

			p, _ := New("key", WithBaseURL(srv.URL))
			if _, err := p.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{ID: "v1"}); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestSynthesize_Validation(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.Synthesize(context.Background(), " ", tts.VoiceProfile{ID: "v1"}); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestTextMessage_FlushShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(textMessage{Text: ""})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"text":""}` {
		t.Errorf("got %s, want {\"text\":\"\"}", data)
	}
}
