// Package logctx carries gateway request, session, message and tool fields
// on a context and adds them to every log record written with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Request identifies one inbound HTTP request.
type Request struct {
	ID         string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

// Session identifies the gateway session a request was routed to.
type Session struct {
	ID              string
	Principal       string
	ProtocolVersion string
}

// Message describes the first JSON-RPC message of a POST body.
type Message struct {
	Method string
	ID     string
	Kind   string
}

// fields is copied on every With call; a stored value is never mutated.
type fields struct {
	req  *Request
	sess *Session
	msg  *Message
	tool string
}

type fieldsKey struct{}

func from(ctx context.Context) fields {
	f, _ := ctx.Value(fieldsKey{}).(fields)
	return f
}

func with(ctx context.Context, set func(*fields)) context.Context {
	f := from(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithRequest(ctx context.Context, r Request) context.Context {
	return with(ctx, func(f *fields) { f.req = &r })
}

// WithSession replaces any session fields already on ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return with(ctx, func(f *fields) { f.sess = &s })
}

func WithMessage(ctx context.Context, m Message) context.Context {
	return with(ctx, func(f *fields) { f.msg = &m })
}

func WithTool(ctx context.Context, name string) context.Context {
	return with(ctx, func(f *fields) { f.tool = name })
}

// Handler wraps another slog.Handler. Empty fields are left out of the
// record.
type Handler struct {
	next slog.Handler
}

// NewHandler returns a Handler that writes to next.
func NewHandler(next slog.Handler) *Handler { return &Handler{next: next} }

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool { return h.next.Enabled(ctx, l) }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	f := from(ctx)
	if f.req != nil {
		r.AddAttrs(group("req",
			"id", f.req.ID,
			"method", f.req.Method,
			"path", f.req.Path,
			"remote_addr", f.req.RemoteAddr,
			"user_agent", f.req.UserAgent,
		))
	}
	if f.sess != nil {
		r.AddAttrs(group("sess",
			"id", f.sess.ID,
			"principal", f.sess.Principal,
			"protocol_version", f.sess.ProtocolVersion,
		))
	}
	if f.msg != nil {
		r.AddAttrs(group("rpc",
			"method", f.msg.Method,
			"id", f.msg.ID,
			"kind", f.msg.Kind,
		))
	}
	if f.tool != "" {
		r.AddAttrs(slog.String("tool", f.tool))
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// group builds a group attribute from key/value pairs, skipping empty values.
func group(name string, kv ...string) slog.Attr {
	attrs := make([]any, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			attrs = append(attrs, slog.String(kv[i], kv[i+1]))
		}
	}
	return slog.Group(name, attrs...)
}
