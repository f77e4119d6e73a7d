package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"sohio.net/snowgen/internal/token"
)

// serveToken issues a token for the form field sub, on behalf of an already
// authenticated caller. The jti is a freshly minted id.
func (h *idHandler) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	signed, claims, err := h.signer.Issue(strings.TrimSpace(r.PostFormValue("sub")))
	if errors.Is(err, token.ErrNoSubject) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.idError(w, err)
		return
	}

	h.logger.Infow("issued token", "jti", claims.ID, "sub", claims.Subject, "by", Claims(r.Context()).Subject)

	resp := struct {
		Token     string    `json:"token"`
		JTI       string    `json:"jti"`
		ExpiresAt time.Time `json:"expires_at"`
	}{signed, claims.ID, claims.ExpiresAt.Time}
	if err := writeJSON(w, http.StatusCreated, resp); err != nil {
		h.logger.Warnw("writing token response", zap.Error(err))
	}
}
