// Package api exposes a replay cache over HTTP for relays that run the
// cache out of process.
//
//	POST /check    {"tag": "<hex>", "epoch": n}  -> {"outcome": "new"|"replay"}
//	POST /advance  {"epoch": n}                   -> {"current_epoch": n}
//	POST /flush                                   -> {}
//	GET  /stats                                   -> replay.Stats
//
// Errors are returned as {"error": "..."} with a status derived from the
// cache error.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/pkg/replay"
)

const maxBodySize = 4 * 1024

var nopLogger = zap.NewNop()

// Cache is the part of *replay.Cache the handler uses.
type Cache interface {
	CheckAndInsert(ctx context.Context, b []byte, e uint64) (replay.Outcome, error)
	AdvanceEpoch(ctx context.Context, next uint64) error
	Flush(ctx context.Context) error
	CurrentEpoch() uint64
	Stats() replay.Stats
}

type Opts struct {
	// Timeout bounds each request. Default is 5s.
	Timeout time.Duration

	// Logger is the *zap.Logger for this handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type Handler struct {
	c    Cache
	opts Opts
	mux  *http.ServeMux
}

func NewHandler(c Cache, opts Opts) *Handler {
	opts.Init()
	h := &Handler{c: c, opts: opts, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /check", h.check)
	h.mux.HandleFunc("POST /advance", h.advance)
	h.mux.HandleFunc("POST /flush", h.flush)
	h.mux.HandleFunc("GET /stats", h.stats)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type checkReq struct {
	Tag   string  `json:"tag"`
	Epoch *uint64 `json:"epoch"`
}

type checkResp struct {
	Outcome string `json:"outcome"`
}

type advanceReq struct {
	Epoch *uint64 `json:"epoch"`
}

type advanceResp struct {
	CurrentEpoch uint64 `json:"current_epoch"`
}

type errorResp struct {
	Error string `json:"error"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkReq
	if err := readJSON(r, &req); err != nil {
		h.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Epoch == nil {
		h.writeErr(w, http.StatusBadRequest, errors.New("missing epoch"))
		return
	}
	b, err := hex.DecodeString(req.Tag)
	if err != nil {
		h.writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: %v", replay.ErrMalformedTag, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.Timeout)
	defer cancel()
	o, err := h.c.CheckAndInsert(ctx, b, *req.Epoch)
	if err != nil {
		h.writeErr(w, statusOf(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, checkResp{Outcome: o.String()})
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	var req advanceReq
	if err := readJSON(r, &req); err != nil {
		h.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Epoch == nil {
		h.writeErr(w, http.StatusBadRequest, errors.New("missing epoch"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.Timeout)
	defer cancel()
	if err := h.c.AdvanceEpoch(ctx, *req.Epoch); err != nil {
		h.writeErr(w, statusOf(err), err)
		return
	}
	h.opts.Logger.Info("epoch advanced by api", zap.Uint64("epoch", *req.Epoch), zap.String("remote", r.RemoteAddr))
	h.writeJSON(w, http.StatusOK, advanceResp{CurrentEpoch: h.c.CurrentEpoch()})
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.Timeout)
	defer cancel()
	if err := h.c.Flush(ctx); err != nil {
		h.writeErr(w, statusOf(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.c.Stats())
}

func readJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read body, %w", err)
	}
	if len(b) > maxBodySize {
		return errors.New("body too large")
	}
	if err := sonnet.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid json, %w", err)
	}
	return nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, replay.ErrMalformedTag):
		return http.StatusBadRequest
	case errors.Is(err, replay.ErrEpochNotRetained), errors.Is(err, replay.ErrEpochRegression):
		return http.StatusConflict
	case errors.Is(err, replay.ErrBackpressure),
		errors.Is(err, replay.ErrDurability),
		errors.Is(err, replay.ErrCacheClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.opts.Logger.Warn("api request failed", zap.Int("status", status), zap.Error(err))
	}
	if errors.Is(err, replay.ErrBackpressure) {
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(w, status, errorResp{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonnet.Marshal(v)
	if err != nil {
		h.opts.Logger.Error("failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
