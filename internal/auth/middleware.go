package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware gates the admin API's gin routes behind AuthService. There is
// one operator tier, so authentication is the whole check — no
// resource/action permission matrix.
type Middleware struct {
	authService *AuthService
	enabled     bool
}

// NewMiddleware wires an AuthService into a Middleware. enabled false makes
// GinAuth a pass-through, for local/debug deployments that don't want to
// provision credentials.
func NewMiddleware(authService *AuthService, enabled bool) *Middleware {
	return &Middleware{authService: authService, enabled: enabled}
}

// GinAuth returns a Gin middleware enforcing basic or bearer authentication.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		result, err := m.authenticate(c.Request)
		if err != nil || !result.Success {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "authentication required",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (m *Middleware) authenticate(r *http.Request) (*AuthResult, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return m.authService.Authenticate(r.Context(), LoginRequest{Method: AuthMethodJWT, Token: parts[1]})
		}
	}

	if username, password, ok := r.BasicAuth(); ok {
		return m.authService.Authenticate(r.Context(), LoginRequest{Method: AuthMethodBasic, Username: username, Password: password})
	}

	return &AuthResult{Success: false}, ErrInvalidCredentials
}
