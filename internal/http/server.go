// README: API gateway; registers HTTP and websocket routes and delegates to module services.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"eats/internal/http/handlers"
	"eats/internal/http/middleware"
	"eats/internal/infra"
)

type ServerDeps struct {
	Orders   handlers.OrderService
	Dispatch handlers.Dispatcher
	Drivers  handlers.DriverDirectory
	Realtime handlers.RealtimeServer
	Verifier infra.TokenVerifier
	Log      *zap.Logger
}

type Server struct {
	orders   *handlers.OrderHandler
	drivers  *handlers.DriverHandler
	ws       *handlers.WSHandler
	verifier infra.TokenVerifier
	log      *zap.Logger
}

func NewServer(deps ServerDeps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Server{
		orders:   handlers.NewOrderHandler(deps.Orders, deps.Dispatch, deps.Log),
		drivers:  handlers.NewDriverHandler(deps.Drivers),
		ws:       handlers.NewWSHandler(deps.Realtime),
		verifier: deps.Verifier,
		log:      deps.Log,
	}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.log), middleware.Logging(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	authed := r.Group("/", middleware.Auth(s.verifier))
	authed.POST("/api/orders", s.orders.Create)
	authed.GET("/api/orders/:id", s.orders.Get)
	authed.GET("/api/orders/:id/events", s.orders.Events)
	authed.POST("/api/orders/:id/status", s.orders.UpdateStatus)
	authed.POST("/api/orders/:id/cancel", s.orders.Cancel)
	authed.POST("/api/drivers/availability", s.drivers.SetAvailability)
	authed.GET("/ws", s.ws.Connect)
	return r
}
