package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/kstore/order-api/configs"
	"github.com/kstore/order-api/internal/usecase"
)

func init() { gin.SetMode(gin.TestMode) }

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthz_CallerFromClaims(t *testing.T) {
	var cfg configs.Config
	cfg.Security.JWTSecret = "s3cret"
	cfg.Security.Issuer = "kstore-identity"
	cfg.Security.Audience = "kstore-api"
	a := NewAuthz(cfg)

	var got usecase.Caller
	r := gin.New()
	r.GET("/me", a.Require(), func(c *gin.Context) {
		got, _ = CallerFrom(c)
		c.Status(http.StatusNoContent)
	})

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": "kstore-identity",
			"aud": "kstore-api",
			"exp": time.Now().Add(time.Minute).Unix(),
		}
	}
	call := func(tok string) int {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	admin := base()
	admin["sub"] = "3"
	admin["role"] = "admin"
	require.Equal(t, http.StatusNoContent, call(sign(t, "s3cret", admin)))
	assert.Equal(t, usecase.Caller{UserID: 3, Role: usecase.RoleAdmin}, got)
	assert.True(t, got.IsAdmin())

	customer := base()
	customer["sub"] = "9"
	require.Equal(t, http.StatusNoContent, call(sign(t, "s3cret", customer)))
	assert.Equal(t, usecase.RoleCustomer, got.Role)

	t.Run("rejects", func(t *testing.T) {
		noSub := base()
		assert.Equal(t, http.StatusUnauthorized, call(sign(t, "s3cret", noSub)))

		textSub := base()
		textSub["sub"] = "alice"
		assert.Equal(t, http.StatusUnauthorized, call(sign(t, "s3cret", textSub)))

		expired := base()
		expired["sub"] = "1"
		expired["exp"] = time.Now().Add(-time.Hour).Unix()
		assert.Equal(t, http.StatusUnauthorized, call(sign(t, "s3cret", expired)))

		noExp := base()
		noExp["sub"] = "1"
		delete(noExp, "exp")
		assert.Equal(t, http.StatusUnauthorized, call(sign(t, "s3cret", noExp)))

		wrongAud := base()
		wrongAud["sub"] = "1"
		wrongAud["aud"] = "other"
		assert.Equal(t, http.StatusUnauthorized, call(sign(t, "s3cret", wrongAud)))

		forged := base()
		forged["sub"] = "1"
		assert.Equal(t, http.StatusUnauthorized, call(sign(t, "not-the-secret", forged)))
	})
}

func TestLogging_PreservesBodyAndRedacts(t *testing.T) {
	var logs bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&logs, nil))

	var seen string
	r := gin.New()
	r.Use(Logging(l))
	r.POST("/echo", func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		seen = string(b)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	body := `{"password":"hunter2","note":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, seen)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.Contains(t, logs.String(), "***redacted***")
	assert.NotContains(t, logs.String(), "hunter2")
}

func TestLogging_KeepsIncomingRequestID(t *testing.T) {
	r := gin.New()
	r.Use(Logging(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-Id"))
}

func TestLogging_OrderResponseFields(t *testing.T) {
	var logs bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&logs, nil))

	r := gin.New()
	r.Use(Logging(l))
	r.GET("/orders/:id", func(c *gin.Context) {
		c.Set(callerKey, usecase.Caller{UserID: 7, Role: usecase.RoleCustomer})
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
			"order_id":         12,
			"order_number":     "ORD-XYZ",
			"shipping_address": gin.H{"city": "Hanoi", "phone": "+84 90 000", "address_line1": "1 Le Loi"},
		}})
	})
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/orders", func(c *gin.Context) { c.JSON(http.StatusConflict, gin.H{"success": false}) })
	r.PUT("/orders/:id", func(c *gin.Context) { c.JSON(http.StatusBadRequest, gin.H{"success": false}) })

	serve := func(method, path string, hdr map[string]string) map[string]any {
		logs.Reset()
		req := httptest.NewRequest(method, path, nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		r.ServeHTTP(httptest.NewRecorder(), req)
		var line map[string]any
		require.NoError(t, json.Unmarshal(logs.Bytes(), &line))
		return line
	}

	line := serve(http.MethodGet, "/orders/12", map[string]string{"X-Idempotency-Key": "k"})
	assert.Equal(t, "INFO", line["level"])
	assert.EqualValues(t, 12, line["order_id"])
	assert.Equal(t, "ORD-XYZ", line["order_number"])
	assert.EqualValues(t, 7, line["user_id"])
	assert.Equal(t, true, line["idempotent"])
	assert.Contains(t, line["resp_body"], "Hanoi")
	assert.NotContains(t, line["resp_body"], "+84")
	assert.NotContains(t, line["resp_body"], "Le Loi")

	line = serve(http.MethodGet, "/healthz", nil)
	assert.NotContains(t, line, "resp_body")

	line = serve(http.MethodPost, "/orders", nil)
	assert.Equal(t, "INFO", line["level"], "stock conflicts are not warnings")

	line = serve(http.MethodPut, "/orders/3", nil)
	assert.Equal(t, "WARN", line["level"])
}

func TestReadCapped_Truncates(t *testing.T) {
	src := strings.Repeat("a", 20)
	peek, replay, truncated := readCapped(io.NopCloser(strings.NewReader(src)), 8)
	assert.True(t, truncated)
	assert.Equal(t, "aaaaaaaa", string(peek))

	all, err := io.ReadAll(replay)
	require.NoError(t, err)
	assert.Equal(t, src, string(all))
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	r := gin.New()
	r.POST("/w", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/w", nil)
		req.RemoteAddr = ip + ":5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, hit("10.0.0.1").Code)
	w := hit("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, hit("10.0.0.2").Code)
}

func TestRateLimiter_SweepStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter(rate.Limit(1), 1, time.Millisecond)
	rl.limiter("10.0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.Sweep(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not stop")
	}
}
