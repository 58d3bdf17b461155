package streaminghttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-gateway/auth"
	"github.com/ggoodman/mcp-session-gateway/channel"
	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/internal/logctx"
	"github.com/ggoodman/mcp-session-gateway/sessions"
)

// deliverer is the part of *channel.Channel the router drives.
type deliverer interface {
	Deliver(w http.ResponseWriter, r *http.Request) error
	Close() error
}

// handlePostMCP handles POST /mcp: admission on initialize, routing for
// everything else.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, errCodeParse, "Unsupported Media Type: Content-Type must be application/json")
		return
	}
	if !acceptsBoth(r) {
		h.log.WarnContext(ctx, "http.post.not_acceptable")
		writeRPCError(w, http.StatusNotAcceptable, errCodeInvalid, "Not Acceptable: Client must accept both application/json and text/event-stream")
		return
	}

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			writeRPCError(w, http.StatusRequestEntityTooLarge, errCodeInvalid, "Request body too large")
			return
		}
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, errCodeParse, msgParseError)
		return
	}
	env, err := jsonrpc.Peek(body)
	if err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, errCodeParse, msgParseError)
		return
	}
	if first := env.First(); first != nil {
		ctx = logctx.WithMessage(ctx, logctx.Message{Method: first.Method, ID: first.ID.String(), Kind: first.Type()})
	}
	r = r.WithContext(ctx)
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	if h.mode == ModeStateless {
		h.postStateless(w, r, env)
	} else {
		h.postStateful(w, r, env, userInfo)
	}
	h.log.InfoContext(ctx, "http.post.done", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) postStateless(w http.ResponseWriter, r *http.Request, env *jsonrpc.Envelope) {
	ctx := r.Context()
	state := channel.StatelessState(
		r.Header.Get(mcpProtocolVersionHeader),
		env.HasMethod(jsonrpc.MethodInitialize),
		env.HasMethod(jsonrpc.MethodInitialized),
	)
	ch, err := h.openChannel(ctx, channel.Options{Stateless: true, State: state})
	if err != nil {
		h.log.ErrorContext(ctx, "channel.open.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, errCodeInternal, msgInternal)
		return
	}
	defer func() {
		if err := ch.Close(); err != nil {
			h.log.DebugContext(ctx, "channel.close.fail", slog.String("err", err.Error()))
		}
	}()
	h.deliver(w, r, ch)
}

func (h *Handler) postStateful(w http.ResponseWriter, r *http.Request, env *jsonrpc.Envelope, userInfo auth.UserInfo) {
	ctx := r.Context()
	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		if !env.IsInitialize() {
			h.log.InfoContext(ctx, "session.id.missing")
			writeRPCError(w, http.StatusBadRequest, errCodeBadSession, msgNoValidSession)
			return
		}
		h.admit(w, r, env, userInfo)
		return
	}

	sess, ok := h.resume(ctx, w, sid, userInfo)
	if !ok {
		return
	}
	ch, ok := sess.Channel().(deliverer)
	if !ok {
		h.log.ErrorContext(ctx, "session.channel.invalid", slog.String("err", errNoDeliverer.Error()))
		writeRPCError(w, http.StatusInternalServerError, errCodeInternal, msgInternal)
		return
	}
	r = r.WithContext(logctx.WithSession(ctx, logctx.Session{ID: sid, Principal: sess.UserID()}))
	if h.serialize {
		unlock := sess.LockDelivery()
		defer unlock()
	}
	h.deliverSession(w, r, ch)
}

// admit creates a session for an initialize request and delivers it.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, env *jsonrpc.Envelope, userInfo auth.UserInfo) {
	ctx := r.Context()
	var opened *channel.Channel
	sess, err := h.registry.Create(func(id string) (sessions.Channel, error) {
		ch, err := h.openChannel(ctx, channel.Options{SessionID: id, EventStore: h.eventStore})
		if err != nil {
			return nil, err
		}
		opened = ch
		return ch, nil
	}, sessions.OwnedBy(principal(userInfo)))
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrRegistryFull), errors.Is(err, sessions.ErrRegistryClosed):
			h.log.WarnContext(ctx, "session.admit.busy", slog.String("err", err.Error()))
			w.Header().Set("Retry-After", "1")
			writeRPCError(w, http.StatusServiceUnavailable, errCodeBusy, msgServerBusy)
		default:
			h.log.ErrorContext(ctx, "session.admit.fail", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusInternalServerError, errCodeInternal, msgInternal)
		}
		return
	}

	registry := h.registry
	opened.OnClose(func(id string) { registry.Remove(id) })

	ctx = logctx.WithSession(ctx, logctx.Session{
		ID:              sess.ID(),
		Principal:       sess.UserID(),
		ProtocolVersion: env.ProtocolVersion(),
	})
	h.log.InfoContext(ctx, "session.admit.ok")

	h.deliverSession(w, r.WithContext(ctx), opened)
	if !opened.Initialized() {
		h.log.InfoContext(ctx, "session.admit.abandon")
		_ = opened.Close()
	}
}

// resume resolves a session header for the current principal. It writes the
// rejection itself and returns ok=false when the request must stop.
func (h *Handler) resume(ctx context.Context, w http.ResponseWriter, sid string, userInfo auth.UserInfo) (*sessions.Session, bool) {
	sess, err := h.registry.Lookup(sid)
	if err == nil && sess.UserID() != principal(userInfo) {
		h.log.WarnContext(ctx, "session.owner.mismatch", slog.String("session_id", sid))
		err = sessions.ErrSessionNotFound
	}
	if err == nil {
		sess, err = h.registry.Resume(sid)
	}
	switch {
	case err == nil:
		return sess, true
	case errors.Is(err, sessions.ErrSessionExpired):
		h.log.InfoContext(ctx, "session.expired", slog.String("session_id", sid))
		writeRPCError(w, http.StatusUnauthorized, errCodeExpired, msgSessionExpired)
	default:
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sid))
		writeRPCError(w, http.StatusBadRequest, errCodeBadSession, msgNoValidSession)
	}
	return nil, false
}

func (h *Handler) openChannel(ctx context.Context, opts channel.Options) (*channel.Channel, error) {
	srv, err := h.factory(ctx)
	if err != nil {
		return nil, err
	}
	opts.Logger = h.log
	// The session outlives the request that opened it.
	return channel.Open(context.WithoutCancel(ctx), srv, opts)
}

// deliverSession delivers to a registered session's channel and closes the
// channel if the client went away mid-exchange.
func (h *Handler) deliverSession(w http.ResponseWriter, r *http.Request, ch deliverer) {
	h.deliver(w, r, ch)
	if err := r.Context().Err(); err != nil {
		h.log.InfoContext(r.Context(), "client.disconnect", slog.String("err", err.Error()))
		_ = ch.Close()
	}
}

// deliver hands the exchange to ch, mapping a closed channel to an unknown
// session and a panic to an internal error.
func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, ch deliverer) {
	ctx := r.Context()
	tw := &trackingWriter{ResponseWriter: w}
	defer func() {
		if p := recover(); p != nil {
			h.log.ErrorContext(ctx, "deliver.panic", slog.Any("panic", p))
			_ = ch.Close()
			if !tw.wroteHeader {
				writeRPCError(w, http.StatusInternalServerError, errCodeInternal, msgInternal)
			}
		}
	}()
	if err := ch.Deliver(tw, r); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			h.log.InfoContext(ctx, "deliver.channel.closed")
			writeRPCError(w, http.StatusBadRequest, errCodeBadSession, msgNoValidSession)
			return
		}
		h.log.ErrorContext(ctx, "deliver.fail", slog.String("err", err.Error()))
		if !tw.wroteHeader {
			writeRPCError(w, http.StatusInternalServerError, errCodeInternal, msgInternal)
		}
	}
}

// handleGetMCP opens the standalone server-to-client SSE stream of a session.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	if h.mode == ModeStateless {
		h.handleMethodNotAllowed(w, r)
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		writeRPCError(w, http.StatusNotAcceptable, errCodeInvalid, "Not Acceptable: Client must accept text/event-stream")
		return
	}

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}
	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		h.log.InfoContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, errCodeBadSession, msgNoValidSession)
		return
	}
	sess, ok := h.resume(ctx, w, sid, userInfo)
	if !ok {
		return
	}
	ch, ok := sess.Channel().(deliverer)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, errCodeInternal, msgInternal)
		return
	}

	ctx = logctx.WithSession(ctx, logctx.Session{ID: sid, Principal: sess.UserID()})
	h.log.InfoContext(ctx, "sse.stream.start")
	h.deliverSession(w, r.WithContext(ctx), ch)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates a session and releases its channel.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	if h.mode == ModeStateless {
		h.handleMethodNotAllowed(w, r)
		return
	}
	h.log.DebugContext(ctx, "http.delete.start")

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}
	sid := r.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeRPCError(w, http.StatusBadRequest, errCodeBadSession, msgNoValidSession)
		return
	}
	sess, ok := h.resume(ctx, w, sid, userInfo)
	if !ok {
		return
	}

	ctx = logctx.WithSession(ctx, logctx.Session{ID: sid, Principal: sess.UserID()})
	if err := sess.Channel().Close(); err != nil {
		h.log.DebugContext(ctx, "channel.close.fail", slog.String("err", err.Error()))
	}
	h.registry.Remove(sid)

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// acceptsBoth reports whether the client can take both a JSON and an SSE
// reply to a POST. An absent Accept header is treated as accepting anything.
func acceptsBoth(r *http.Request) bool {
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

// trackingWriter records whether the response status has been committed.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		t.wroteHeader = true
		f.Flush()
	}
}

func (t *trackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }
