package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/pmkol/replaycache/pkg/replay"
)

func newTestHandler(t *testing.T) (*Handler, *replay.Cache) {
	c, err := replay.Open(replay.Config{
		StartingEpoch:  10,
		RetainedEpochs: 2,
		Storage:        replay.StorageConfig{Path: t.TempDir()},
		FlushInterval:  time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return NewHandler(c, Opts{}), c
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestHandler_Check(t *testing.T) {
	h, _ := newTestHandler(t)
	tg := hex.EncodeToString(make([]byte, 32))
	body := fmt.Sprintf(`{"tag":%q,"epoch":10}`, tg)

	code, out := do(t, h, http.MethodPost, "/check", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "new", out["outcome"])

	code, out = do(t, h, http.MethodPost, "/check", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "replay", out["outcome"])
}

func TestHandler_CheckErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	tg := hex.EncodeToString(make([]byte, 32))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing epoch", fmt.Sprintf(`{"tag":%q}`, tg), http.StatusBadRequest},
		{"bad hex", `{"tag":"zz","epoch":10}`, http.StatusBadRequest},
		{"short tag", `{"tag":"abcd","epoch":10}`, http.StatusBadRequest},
		{"not retained", fmt.Sprintf(`{"tag":%q,"epoch":3}`, tg), http.StatusConflict},
		{"too large", `{"tag":"` + strings.Repeat("a", maxBodySize) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := do(t, h, http.MethodPost, "/check", tt.body)
			require.Equal(t, tt.want, code)
			assert.NotEmpty(t, out["error"])
		})
	}

	code, _ := do(t, h, http.MethodGet, "/check", "")
	require.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHandler_AdvanceAndStats(t *testing.T) {
	h, c := newTestHandler(t)

	code, out := do(t, h, http.MethodPost, "/advance", `{"epoch":12}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(12), out["current_epoch"])
	require.Equal(t, uint64(12), c.CurrentEpoch())

	code, _ = do(t, h, http.MethodPost, "/advance", `{"epoch":11}`)
	require.Equal(t, http.StatusConflict, code)

	code, out = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(12), out["current_epoch"])
	assert.Equal(t, float64(11), out["oldest_epoch"])

	code, _ = do(t, h, http.MethodPost, "/flush", "")
	require.Equal(t, http.StatusOK, code)
}

func TestHandler_Closed(t *testing.T) {
	h, c := newTestHandler(t)
	require.NoError(t, c.Close())
	code, _ := do(t, h, http.MethodPost, "/check", fmt.Sprintf(`{"tag":%q,"epoch":10}`, hex.EncodeToString(make([]byte, 32))))
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(fmt.Errorf("x: %w", replay.ErrBackpressure)))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(replay.ErrDurability))
	assert.Equal(t, http.StatusGatewayTimeout, statusOf(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusOf(fmt.Errorf("other")))
}
