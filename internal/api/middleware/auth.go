// Package middleware holds the Gin middleware shared by the export API and
// the gateway: bearer-token verification, CORS, and request IDs.
package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/auth"
)

// ClaimsContextKey is the gin context key the verified token claims are
// stored under for downstream handlers.
const ClaimsContextKey = "token_claims"

// bearerPrefix is matched case-sensitively; "bearer " is rejected.
const bearerPrefix = "Bearer "

// BearerAuth verifies the Authorization header on every request before any
// handler work happens. Failures answer 401 immediately and never touch the
// database or the streaming pipeline. The three failure shapes (missing
// header, invalid token, expired token) differ only in the message.
func BearerAuth(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || token == "" {
			apperr.WriteJSON(c, apperr.New(apperr.CodeUnauthorized, "missing bearer token"), false)
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Debugf("auth: rejected token: %v", err)
			message := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				message = "token expired"
			}
			apperr.WriteJSON(c, apperr.New(apperr.CodeUnauthorized, message), false)
			return
		}

		c.Set(ClaimsContextKey, claims)
		c.Next()
	}
}
