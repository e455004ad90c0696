// Package authz holds the request guards for the HTTP layer: who the
// caller is, who may run admin actions and who may trigger the close sweep.
package authz

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// UserIDHeader and UserEmailHeader are set by the identity gateway in
	// front of this service.
	UserIDHeader    = "X-User-ID"
	UserEmailHeader = "X-User-Email"

	userIDKey = "authz.user_id"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RequireUser rejects requests without a caller id and stores it on the
// context for UserID.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing " + UserIDHeader, Code: "UNAUTHENTICATED"})
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

// UserID returns the caller id stored by RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// AdminPolicy decides admin access from an explicit allow list.
type AdminPolicy struct {
	emails map[string]struct{}
}

func NewAdminPolicy(emails []string) *AdminPolicy {
	p := &AdminPolicy{emails: make(map[string]struct{}, len(emails))}
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			p.emails[e] = struct{}{}
		}
	}
	return p
}

func (p *AdminPolicy) IsAdmin(email string) bool {
	_, ok := p.emails[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

func (p *AdminPolicy) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.IsAdmin(c.GetHeader(UserEmailHeader)) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "admin only", Code: "FORBIDDEN"})
			return
		}
		c.Next()
	}
}

// RequireCronSecret checks "Authorization: Bearer <secret>". An empty
// secret locks the route entirely.
func RequireCronSecret(secret string) gin.HandlerFunc {
	want := []byte("Bearer " + secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if secret == "" || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid cron credentials", Code: "UNAUTHENTICATED"})
			return
		}
		c.Next()
	}
}
