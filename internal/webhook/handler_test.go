package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReloader struct {
	calls   int
	changed bool
	err     error
}

func (f *fakeReloader) Tick(ctx context.Context) (bool, error) {
	f.calls++
	return f.changed, f.err
}

func (f *fakeReloader) Fingerprint() string { return "blake3:feed" }

func newTestHandler(r Reloader, maxBody int64) (*Handler, *bytes.Buffer) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	return New(Config{Secret: "s3cret", MaxBodySize: maxBody}, r, logger), &logs
}

func post(h http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/catalog", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerReloads(t *testing.T) {
	reloader := &fakeReloader{changed: true}
	h, logs := newTestHandler(reloader, 0)
	body := []byte(`{"ref":"refs/heads/production"}`)

	rec := post(h, body, Signature(body, "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":true,"fingerprint":"blake3:feed"}`, rec.Body.String())
	assert.Equal(t, 1, reloader.calls)
	assert.Contains(t, logs.String(), "catalog reloaded from webhook")
}

func TestHandlerRejects(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/production"}`)

	t.Run("missing signature", func(t *testing.T) {
		reloader := &fakeReloader{}
		h, logs := newTestHandler(reloader, 0)
		rec := post(h, body, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Zero(t, reloader.calls)
		assert.Contains(t, logs.String(), "signature verification failed")
	})

	t.Run("bad signature", func(t *testing.T) {
		reloader := &fakeReloader{}
		h, _ := newTestHandler(reloader, 0)
		rec := post(h, body, Signature(body, "guess"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Zero(t, reloader.calls)
	})

	t.Run("too large", func(t *testing.T) {
		reloader := &fakeReloader{}
		h, _ := newTestHandler(reloader, 16)
		big := []byte(strings.Repeat("x", 17))
		rec := post(h, big, Signature(big, "s3cret"))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Zero(t, reloader.calls)
	})

	t.Run("reload failure", func(t *testing.T) {
		reloader := &fakeReloader{err: errors.New("catalog host down")}
		h, _ := newTestHandler(reloader, 0)
		rec := post(h, body, Signature(body, "s3cret"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, 1, reloader.calls)
	})
}

func TestNewDefaults(t *testing.T) {
	h := New(Config{}, &fakeReloader{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, int64(DefaultMaxBodySize), h.cfg.MaxBodySize)
	assert.Equal(t, DefaultSignatureHeader, h.cfg.SignatureHeader)
}
