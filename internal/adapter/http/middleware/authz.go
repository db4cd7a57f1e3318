package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kstore/order-api/configs"
	"github.com/kstore/order-api/internal/logging"
	"github.com/kstore/order-api/internal/usecase"
)

const callerKey = "caller"

type Authz struct {
	secret []byte
	parser *jwt.Parser
}

func NewAuthz(cfg configs.Config) *Authz {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second), // small clock skew
	}
	if cfg.Security.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Security.Issuer))
	}
	if cfg.Security.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Security.Audience))
	}
	return &Authz{
		secret: []byte(cfg.Security.JWTSecret),
		parser: jwt.NewParser(opts...),
	}
}

// Require validates the bearer token issued by the identity service and attaches
// the Caller (sub, role) to the request. Capability checks happen in the use cases.
func (a *Authz) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauth(c, "invalid_request", "missing bearer token")
			return
		}

		raw := strings.TrimPrefix(auth, "Bearer ")
		claims := jwt.MapClaims{}
		token, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			unauth(c, "invalid_token", "invalid jwt")
			return
		}

		caller, err := callerFromClaims(claims)
		if err != nil {
			unauth(c, "invalid_token", err.Error())
			return
		}

		c.Set(callerKey, caller)
		l := logging.From(c).With("user_id", caller.UserID)
		logging.With(c, l)
		c.Request = c.Request.WithContext(logging.WithCtx(c.Request.Context(), l))
		c.Next()
	}
}

func callerFromClaims(claims jwt.MapClaims) (usecase.Caller, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return usecase.Caller{}, fmt.Errorf("missing sub")
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return usecase.Caller{}, fmt.Errorf("sub is not a user id")
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = usecase.RoleCustomer
	}
	return usecase.Caller{UserID: id, Role: role}, nil
}

// CallerFrom returns the authenticated caller set by Require.
func CallerFrom(c *gin.Context) (usecase.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return usecase.Caller{}, false
	}
	caller, ok := v.(usecase.Caller)
	return caller, ok
}

func unauth(c *gin.Context, code, desc string) {
	c.Header("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": desc})
}
