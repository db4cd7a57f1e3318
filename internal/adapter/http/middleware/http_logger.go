package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kstore/order-api/internal/logging"
)

const (
	bodyLogLimit = 8 * 1024
	redacted     = "***redacted***"
	truncMark    = "...truncated..."
)

// Credentials and the customer's contact details never reach the log file.
// Order bodies carry shipping addresses, so address lines and phone are masked too.
var redactedFields = map[string]bool{
	"password":      true,
	"authorization": true,
	"token":         true,
	"secret":        true,
	"bot_token":     true,
	"card_number":   true,
	"cvv":           true,
	"phone":         true,
	"address_line1": true,
	"address_line2": true,
}

// Probes and scrapes are logged without bodies.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// capturedWriter keeps the first bodyLogLimit bytes written to the client.
type capturedWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *capturedWriter) Write(b []byte) (int, error) {
	if room := bodyLogLimit - w.buf.Len(); room > 0 {
		w.buf.Write(b[:min(len(b), room)])
	}
	return w.ResponseWriter.Write(b)
}

func redactJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	b, err := json.Marshal(scrub(doc))
	if err != nil {
		return raw
	}
	return b
}

func scrub(x any) any {
	switch v := x.(type) {
	case map[string]any:
		for k, val := range v {
			if redactedFields[strings.ToLower(k)] {
				v[k] = redacted
				continue
			}
			v[k] = scrub(val)
		}
	case []any:
		for i := range v {
			v[i] = scrub(v[i])
		}
	}
	return x
}

// readCapped peeks at most n bytes and returns a reader that replays the full body.
func readCapped(rc io.ReadCloser, n int) (peek []byte, replay io.ReadCloser, truncated bool) {
	var buf bytes.Buffer
	_, _ = io.CopyN(&buf, rc, int64(n+1))
	b := buf.Bytes()
	replay = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(b), rc), rc}
	if len(b) > n {
		return b[:n], replay, true
	}
	return b, replay, false
}

// orderRef pulls the order identifiers out of a success envelope so a request
// line can be matched to the order it touched.
func orderRef(body []byte) []any {
	var env struct {
		Data struct {
			OrderID     int64  `json:"order_id"`
			OrderNumber string `json:"order_number"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &env) != nil || env.Data.OrderID == 0 {
		return nil
	}
	out := []any{"order_id", env.Data.OrderID}
	if env.Data.OrderNumber != "" {
		out = append(out, "order_number", env.Data.OrderNumber)
	}
	return out
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}

// Logging tags every request with an id, puts a request-scoped slog.Logger on
// both the gin and request contexts, and writes one line per request.
// 5xx is logged at error and 4xx at warn, except 409 (stock and idempotency
// conflicts) which stays at info.
func Logging(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
			c.Request.Header.Set("X-Request-Id", reqID)
		}
		c.Header("X-Request-Id", reqID)

		l := base.With(
			"req_id", reqID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"remote", c.ClientIP(),
		)
		logging.With(c, l)
		c.Request = c.Request.WithContext(logging.WithCtx(c.Request.Context(), l))

		quiet := quietPaths[c.Request.URL.Path]

		var reqBody string
		if !quiet && c.Request.Body != nil && isJSON(c.GetHeader("Content-Type")) {
			peek, replay, truncated := readCapped(c.Request.Body, bodyLogLimit)
			reqBody = string(redactJSON(peek))
			if truncated {
				reqBody += truncMark
			}
			c.Request.Body = replay
		}

		w := &capturedWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"status", status,
			"dur_ms", time.Since(start).Milliseconds(),
			"resp_bytes", c.Writer.Size(),
		}
		if caller, ok := CallerFrom(c); ok {
			attrs = append(attrs, "user_id", caller.UserID, "role", caller.Role)
		}
		if c.GetHeader("X-Idempotency-Key") != "" {
			attrs = append(attrs, "idempotent", true)
		}
		if len(c.Params) > 0 {
			attrs = append(attrs, "params", c.Params)
		}
		if reqBody != "" {
			attrs = append(attrs, "req_body", reqBody)
		}
		if !quiet && isJSON(c.Writer.Header().Get("Content-Type")) {
			body := w.buf.Bytes()
			attrs = append(attrs, orderRef(body)...)
			respBody := string(redactJSON(body))
			if w.buf.Len() >= bodyLogLimit {
				respBody += truncMark
			}
			attrs = append(attrs, "resp_body", respBody)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			l.Error("http_request", attrs...)
		case status >= http.StatusBadRequest && status != http.StatusConflict:
			l.Warn("http_request", attrs...)
		default:
			l.Info("http_request", attrs...)
		}
	}
}
