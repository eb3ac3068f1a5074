// Package adminapi is the thin operator api over sessions, the send queue
// and conversation assignment.
package adminapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wadesk/internal/metrics"
	"github.com/talkincode/wadesk/internal/queue"
	"github.com/talkincode/wadesk/internal/webserver"
	"github.com/talkincode/wadesk/internal/whatsapp"
	"gorm.io/gorm"
)

// Sessions is the orchestrator surface the api drives.
type Sessions interface {
	Connect(ctx context.Context, tenantID, instanceID string) error
	Disconnect(ctx context.Context, tenantID, instanceID string, logout bool) error
	Statuses(tenantID string) []whatsapp.InstanceStatus
}

type Locks interface {
	Acquire(ctx context.Context, tenantID, conversationID, holderID string) error
	Release(ctx context.Context, tenantID, conversationID string) error
	Holder(ctx context.Context, tenantID, conversationID string) (string, error)
}

type Queue interface {
	Enqueue(queue string, payload interface{}, opts ...queue.EnqueueOption) (string, error)
	Stats(queue string) (queue.Stats, error)
}

type API struct {
	db          *gorm.DB
	sessions    Sessions
	locks       Locks
	queue       Queue
	maxAttempts int
}

func New(db *gorm.DB, sessions Sessions, locks Locks, q Queue, maxAttempts int) *API {
	return &API{db: db, sessions: sessions, locks: locks, queue: q, maxAttempts: maxAttempts}
}

// Register mounts every route on srv.
func (a *API) Register(srv *webserver.AdminServer) {
	a.registerWhatsAppRoutes(srv)
	a.registerConversationRoutes(srv)
	srv.ApiGET("/queues/:name/stats", a.getQueueStats)
	srv.Root().GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// tenantOf returns the caller's tenant, writing the error response itself
// when there is none.
func tenantOf(c echo.Context) (*webserver.Claims, bool) {
	claims, ok := webserver.ClaimsFrom(c)
	if !ok {
		_ = fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing tenant claims", nil)
		return nil, false
	}
	return claims, true
}

func (a *API) getQueueStats(c echo.Context) error {
	if _, okc := tenantOf(c); !okc {
		return nil
	}
	st, err := a.queue.Stats(c.Param("name"))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUEUE_ERROR", "Failed to read queue stats", err.Error())
	}
	return ok(c, st)
}
