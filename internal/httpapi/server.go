// Package httpapi exposes the game service over a small fasthttp
// gateway. Identity is carried by the X-User-Id header; there is no
// session layer here.
package httpapi

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/jsong-kr/numgame/internal/game"
	"github.com/jsong-kr/numgame/internal/obslog"
	"github.com/jsong-kr/numgame/internal/reconciler"
	"github.com/jsong-kr/numgame/pkg/gamedto"
)

const (
	defaultTopK    = 10
	maxTopK        = 100
	handlerTimeout = 10 * time.Second
)

type guessRequest struct {
	Number     int      `json:"number"`
	CustomRate *float64 `json:"customRate,omitempty"`
}

type purchaseRequest struct {
	Quantity int `json:"quantity"`
}

// Server routes API requests to the game service and the reconciler's
// admin surface.
type Server struct {
	svc  *game.Service
	sync *reconciler.Reconciler
	srv  *fasthttp.Server
}

func New(svc *game.Service, sync *reconciler.Reconciler) *Server {
	s := &Server{svc: svc, sync: sync}
	s.srv = &fasthttp.Server{
		Handler:            s.route,
		Name:               "numgame",
		ReadTimeout:        handlerTimeout,
		WriteTimeout:       handlerTimeout,
		MaxRequestBodySize: 1 << 16,
	}
	return s
}

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("http_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	method := string(ctx.Method())
	path := string(ctx.Path())

	switch {
	case method == fasthttp.MethodGet && path == "/health":
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case method == fasthttp.MethodPost && path == "/api/game/guess":
		s.handleGuess(ctx)
	case method == fasthttp.MethodGet && path == "/api/game/history":
		s.handleHistory(ctx)
	case method == fasthttp.MethodGet && path == "/api/leaderboard":
		s.handleLeaderboard(ctx)
	case method == fasthttp.MethodGet && path == "/api/leaderboard/me":
		s.handleUserRank(ctx)
	case method == fasthttp.MethodGet && path == "/api/users/me":
		s.handleUserInfo(ctx)
	case method == fasthttp.MethodPost && path == "/api/turns/purchase":
		s.handlePurchase(ctx)
	case method == fasthttp.MethodPost && path == "/api/admin/sync":
		s.handleForceSync(ctx)
	case method == fasthttp.MethodGet && path == "/api/admin/sync/pending":
		s.handlePending(ctx)
	default:
		writeJSON(ctx, fasthttp.StatusNotFound,
			gamedto.DomainError{Code: "NOT_FOUND", Message: "unknown route"})
	}

	obslog.L().Debug("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", ctx.Response.StatusCode()),
		zap.Duration("took", time.Since(start)))
}

func (s *Server) handleGuess(ctx *fasthttp.RequestCtx) {
	userID, ok := userID(ctx)
	if !ok {
		return
	}
	var req guessRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSON(ctx, fasthttp.StatusBadRequest,
			gamedto.DomainError{Code: "BAD_REQUEST", Message: "malformed body"})
		return
	}
	resp, err := s.svc.Guess(reqContext(ctx), userID, req.Number, req.CustomRate)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleHistory(ctx *fasthttp.RequestCtx) {
	userID, ok := userID(ctx)
	if !ok {
		return
	}
	history, err := s.svc.History(reqContext(ctx), userID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, history)
}

func (s *Server) handleLeaderboard(ctx *fasthttp.RequestCtx) {
	k := defaultTopK
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTopK {
			writeJSON(ctx, fasthttp.StatusBadRequest,
				gamedto.DomainError{Code: "BAD_REQUEST", Message: "limit must be in [1, 100]"})
			return
		}
		k = n
	}
	entries, err := s.svc.Leaderboard(reqContext(ctx), k)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, entries)
}

func (s *Server) handleUserRank(ctx *fasthttp.RequestCtx) {
	userID, ok := userID(ctx)
	if !ok {
		return
	}
	entry, err := s.svc.UserRank(reqContext(ctx), userID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if entry == nil {
		writeJSON(ctx, fasthttp.StatusNotFound,
			gamedto.DomainError{Code: "NOT_RANKED", Message: "user has no ranked score yet"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, entry)
}

func (s *Server) handleUserInfo(ctx *fasthttp.RequestCtx) {
	userID, ok := userID(ctx)
	if !ok {
		return
	}
	info, err := s.svc.UserInfo(reqContext(ctx), userID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, info)
}

func (s *Server) handlePurchase(ctx *fasthttp.RequestCtx) {
	userID, ok := userID(ctx)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSON(ctx, fasthttp.StatusBadRequest,
			gamedto.DomainError{Code: "BAD_REQUEST", Message: "malformed body"})
		return
	}
	receipt, err := s.svc.BuyTurns(reqContext(ctx), userID, req.Quantity)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, receipt)
}

// handleForceSync drains the whole dirty set, or a single user when
// ?userId= is present.
func (s *Server) handleForceSync(ctx *fasthttp.RequestCtx) {
	rctx := reqContext(ctx)
	if raw := string(ctx.QueryArgs().Peek("userId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(ctx, fasthttp.StatusBadRequest,
				gamedto.DomainError{Code: "BAD_REQUEST", Message: "userId must be an integer"})
			return
		}
		if err := s.sync.ForceSync(rctx, id); err != nil {
			writeError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"synced": 1})
		return
	}
	n, err := s.sync.SyncDirtyUsers(rctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"synced": n})
}

func (s *Server) handlePending(ctx *fasthttp.RequestCtx) {
	n, err := s.sync.PendingCount(reqContext(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"pending": n})
}

func userID(ctx *fasthttp.RequestCtx) (int64, bool) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-Id")))
	if raw == "" {
		writeJSON(ctx, fasthttp.StatusUnauthorized,
			gamedto.DomainError{Code: "UNAUTHORIZED", Message: "X-User-Id header required"})
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(ctx, fasthttp.StatusUnauthorized,
			gamedto.DomainError{Code: "UNAUTHORIZED", Message: "X-User-Id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// reqContext exposes the request as a context. RequestCtx is recycled
// once the handler returns, which is safe here: every handler is fully
// synchronous.
func reqContext(ctx *fasthttp.RequestCtx) context.Context {
	return ctx
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	derr := game.ToDomainError(err)
	status := fasthttp.StatusInternalServerError
	switch derr.Code {
	case "INVALID_GUESS", "INVALID_RATE", "INVALID_QUANTITY":
		status = fasthttp.StatusBadRequest
	case "USER_NOT_FOUND":
		status = fasthttp.StatusNotFound
	case "LOCK_CONTENTION":
		status = fasthttp.StatusConflict
	case "INSUFFICIENT_TURNS":
		status = fasthttp.StatusPaymentRequired
	}
	if status == fasthttp.StatusInternalServerError {
		obslog.L().Error("http_internal_error", zap.Error(err))
	}
	writeJSON(ctx, status, derr)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetBody(body)
}
