package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstore/order-api/internal/adapter/http/middleware"
	"github.com/kstore/order-api/internal/logging"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RouterDeps struct {
	Orders  *OrderHandler
	Cart    *CartHandler
	Authz   *middleware.Authz
	Limiter *middleware.RateLimiter // nil disables rate limiting
	Logger  *slog.Logger
	Health  map[string]HealthCheck
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.MetricsMiddleware())

	l := d.Logger
	if l == nil {
		l = logging.New("http")
	}
	r.Use(middleware.Logging(l))

	r.GET("/healthz", healthz(d.Health))
	// Prometheus endpoint (scraped by Prometheus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// limited prepends the per-IP limiter on write routes.
	limited := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if d.Limiter == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{d.Limiter.Middleware(), h}
	}

	auth := d.Authz.Require()

	orders := r.Group("/orders", auth)
	{
		orders.POST("", limited(d.Orders.PlaceOrder)...)
		orders.GET("", d.Orders.ListOrders)
		orders.GET("/admin", d.Orders.ListAllOrders)
		orders.PUT("/admin/:id/status", limited(d.Orders.UpdateStatus)...)
		orders.PUT("/admin/:id/tracking", limited(d.Orders.UpdateTracking)...)
		orders.GET("/:id", d.Orders.GetOrder)
		orders.GET("/:id/history", d.Orders.GetOrderHistory)
		orders.GET("/:id/status", d.Orders.GetOrderStatus)
	}

	cart := r.Group("/cart", auth)
	{
		cart.GET("", d.Cart.GetCart)
		cart.POST("", limited(d.Cart.AddToCart)...)
		cart.DELETE("/clear", limited(d.Cart.ClearCart)...)
		cart.PUT("/:id", limited(d.Cart.UpdateCartLine)...)
		cart.DELETE("/:id", limited(d.Cart.RemoveCartLine)...)
	}

	return r
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logging.From(c).Warn("health check failed", "dep", name, "err", err)
				deps[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "up"
		}
		c.JSON(status, gin.H{"ok": status == http.StatusOK, "deps": deps})
	}
}
