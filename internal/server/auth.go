package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type claimsKey struct{}

// Claims returns the verified token claims of an authenticated request.
func Claims(ctx context.Context) (c *jwt.RegisteredClaims) {
	c, _ = ctx.Value(claimsKey{}).(*jwt.RegisteredClaims)
	return
}

func (h *idHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenStr == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := h.signer.Verify(tokenStr)
		if err != nil {
			h.logger.Infow("rejected token", zap.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}
