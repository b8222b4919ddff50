package channels

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "neko/internal/errors"
	"neko/internal/jsonx"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("Telegram:12345")
	require.NoError(t, err)
	assert.Equal(t, Address{Channel: "telegram", Recipient: "12345"}, addr)
	assert.Equal(t, "telegram:12345", addr.String())

	addr, err = ParseAddress("cli")
	require.NoError(t, err)
	assert.Equal(t, "cli", addr.String())

	addr, err = ParseAddress("matrix:!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, "!room:example.org", addr.Recipient)

	_, err = ParseAddress(" ")
	assert.Error(t, err)
	_, err = ParseAddress(":123")
	assert.Error(t, err)
}

func TestRouterDeliversToRegisteredChannel(t *testing.T) {
	var buf bytes.Buffer
	r := NewRouter(nil)
	r.Register("cli", NewWriterDeliverer(&buf, "» "))

	require.NoError(t, r.Deliver(context.Background(), Address{Channel: "cli"}, "standup in 5"))
	assert.Equal(t, "» standup in 5\n", buf.String())
	assert.Equal(t, []string{"cli"}, r.Channels())
}

func TestRouterUnknownChannelIsDeliveryFailed(t *testing.T) {
	r := NewRouter(nil)
	err := r.Deliver(context.Background(), Address{Channel: "telegram", Recipient: "1"}, "hi")
	assert.ErrorIs(t, err, nerrors.ErrDeliveryFailed)

	err = r.Deliver(context.Background(), Address{}, "hi")
	assert.ErrorIs(t, err, nerrors.ErrDeliveryFailed)
}

func TestRouterWrapsDelivererError(t *testing.T) {
	r := NewRouter(nil)
	boom := errors.New("socket closed")
	r.Register("telegram", DelivererFunc(func(context.Context, string, string) error { return boom }))

	err := r.Deliver(context.Background(), Address{Channel: "telegram", Recipient: "1"}, "hi")
	assert.ErrorIs(t, err, nerrors.ErrDeliveryFailed)
	assert.ErrorIs(t, err, boom)

	r.Unregister("telegram")
	err = r.Deliver(context.Background(), Address{Channel: "telegram", Recipient: "1"}, "hi")
	assert.ErrorIs(t, err, nerrors.ErrDeliveryFailed)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	chunks := splitMessage(text, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 8)+"\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 8), chunks[1])

	chunks = splitMessage(strings.Repeat("x", 25), 10)
	assert.Equal(t, []int{10, 10, 5}, []int{len(chunks[0]), len(chunks[1]), len(chunks[2])})
}

func TestTelegramDeliverAndPoll(t *testing.T) {
	var mu sync.Mutex
	var sent []map[string]any
	polls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/botTOKEN/sendMessage"):
			body, _ := io.ReadAll(r.Body)
			var payload map[string]any
			_ = jsonx.Unmarshal(body, &payload)
			mu.Lock()
			sent = append(sent, payload)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
		case strings.HasSuffix(r.URL.Path, "/botTOKEN/getUpdates"):
			mu.Lock()
			polls++
			first := polls == 1
			mu.Unlock()
			if first {
				_, _ = w.Write([]byte(`{"ok":true,"result":[
					{"update_id":10,"message":{"text":"hello","date":1700000000,"chat":{"id":42,"type":"private"},"from":{"id":7,"username":"ana"}}},
					{"update_id":11,"message":{"text":"spam","date":1700000000,"chat":{"id":99,"type":"group"}}}
				]}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Not Found"}`))
		}
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "TOKEN", APIBase: srv.URL, AllowedChats: []string{"42"}, PollTimeout: time.Second}, nil)
	require.NoError(t, tg.Deliver(context.Background(), "42", "reminder"))
	mu.Lock()
	require.Len(t, sent, 1)
	assert.Equal(t, "reminder", sent[0]["text"])
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan InboundMessage, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tg.Poll(ctx, func(_ context.Context, msg InboundMessage) {
			got <- msg
			cancel()
		})
	}()

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, Address{Channel: "telegram", Recipient: "42"}, msg.Origin())
		assert.Equal(t, "ana", msg.SenderName)
		assert.False(t, msg.IsGroup)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
	<-done
	assert.Equal(t, int64(12), tg.offset)
}

func TestTelegramAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "T", APIBase: srv.URL}, nil)
	err := tg.Deliver(context.Background(), "1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestRouterDeliverFile(t *testing.T) {
	var buf bytes.Buffer
	r := NewRouter(nil)
	r.Register("cli", NewWriterDeliverer(&buf, "» "))
	r.Register("sms", DelivererFunc(func(context.Context, string, string) error { return nil }))

	file := Attachment{Path: "out/chart.png", Name: "chart.png", MIMEType: "image/png", Caption: "weekly"}
	require.NoError(t, r.DeliverFile(context.Background(), Address{Channel: "cli"}, file))
	assert.Equal(t, "» [file] out/chart.png (image/png) weekly\n", buf.String())

	err := r.DeliverFile(context.Background(), Address{Channel: "sms", Recipient: "1"}, file)
	assert.ErrorIs(t, err, nerrors.ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "cannot send files")

	err = r.DeliverFile(context.Background(), Address{Channel: "telegram", Recipient: "1"}, file)
	assert.ErrorIs(t, err, nerrors.ErrDeliveryFailed)
}

func TestTelegramDeliverFileUsesMultipart(t *testing.T) {
	type upload struct {
		endpoint, field, name, chatID, caption, content string
	}
	var mu sync.Mutex
	var got []upload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		for field, headers := range r.MultipartForm.File {
			f, err := headers[0].Open()
			if !assert.NoError(t, err) {
				return
			}
			data, _ := io.ReadAll(f)
			f.Close()
			mu.Lock()
			got = append(got, upload{
				endpoint: r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:],
				field:    field,
				name:     headers[0].Filename,
				chatID:   r.FormValue("chat_id"),
				caption:  r.FormValue("caption"),
				content:  string(data),
			})
			mu.Unlock()
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	report := filepath.Join(dir, "report.csv")
	photo := filepath.Join(dir, "cat.jpg")
	require.NoError(t, os.WriteFile(report, []byte("a,b\n1,2\n"), 0o644))
	require.NoError(t, os.WriteFile(photo, []byte("jpegbytes"), 0o644))

	tg := NewTelegram(TelegramConfig{Token: "TOKEN", APIBase: srv.URL}, nil)
	require.NoError(t, tg.DeliverFile(context.Background(), "42", Attachment{Path: report, MIMEType: "text/csv", Caption: "numbers"}))
	require.NoError(t, tg.DeliverFile(context.Background(), "42", Attachment{Path: photo, Name: "kitty.jpg", MIMEType: "image/jpeg"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, upload{"sendDocument", "document", "report.csv", "42", "numbers", "a,b\n1,2\n"}, got[0])
	assert.Equal(t, upload{"sendPhoto", "photo", "kitty.jpg", "42", "", "jpegbytes"}, got[1])

	err := tg.DeliverFile(context.Background(), "42", Attachment{Path: filepath.Join(dir, "missing.bin")})
	assert.Error(t, err)
}

func TestTelegramUploadMethod(t *testing.T) {
	for mimeType, want := range map[string]string{
		"image/png":                "sendPhoto",
		"image/gif":                "sendDocument",
		"audio/mpeg":               "sendAudio",
		"video/mp4":                "sendVideo",
		"application/octet-stream": "sendDocument",
	} {
		endpoint, _ := telegramUploadMethod(mimeType)
		assert.Equal(t, want, endpoint, mimeType)
	}
}

func TestTelegramOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"result":"`))
		_, _ = w.Write(bytes.Repeat([]byte("x"), telegramMaxBody))
		_, _ = w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "T", APIBase: srv.URL}, nil)
	err := tg.Deliver(context.Background(), "1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response over 4194304 bytes")
}
