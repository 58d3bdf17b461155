package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/ggoodman/mcp-session-gateway/auth"
)

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm is omitted if empty. Known params come first in the order error,
// error_description, scope; any others follow alphabetically.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	rest := make([]string, 0, len(params))
	for k := range params {
		if k == "error" || k == "error_description" || k == "scope" {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// checkAuthentication validates the bearer token when an authenticator is
// configured. On failure it writes the challenge and error envelope and
// returns ok=false. With no authenticator every request passes with a nil
// principal.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.UserInfo, bool) {
	if h.auth == nil {
		return nil, true
	}
	prm := pathIfSet(h.prmDocumentURL)
	reject := func(status int, params map[string]string) {
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, params))
		writeRPCError(w, status, errCodeUnauthorized, msgUnauthorized)
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request lacks any authentication.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		reject(http.StatusUnauthorized, nil)
		return nil, false
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		reject(http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"})
		return nil, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		reject(http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"})
		return nil, false
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil && userInfo != nil:
		return userInfo, true
	case err == nil, errors.Is(err, auth.ErrUnauthorized):
		msg := "token rejected"
		if err != nil {
			msg = err.Error()
		}
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", msg))
		reject(http.StatusUnauthorized, map[string]string{"error": "invalid_token", "error_description": msg})
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		reject(http.StatusForbidden, map[string]string{"error": "insufficient_scope", "error_description": err.Error()})
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, errCodeInternal, msgInternal)
	}
	return nil, false
}

func principal(ui auth.UserInfo) string {
	if ui == nil {
		return ""
	}
	return ui.UserID()
}
