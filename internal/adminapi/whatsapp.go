package adminapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/webserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (a *API) registerWhatsAppRoutes(srv *webserver.AdminServer) {
	srv.ApiGET("/whatsapp/instances", a.listInstances)
	srv.ApiPOST("/whatsapp/instances/:id/connect", a.connectInstance)
	srv.ApiPOST("/whatsapp/instances/:id/disconnect", a.disconnectInstance)
}

// listInstances returns the live registry view of the caller's instances.
func (a *API) listInstances(c echo.Context) error {
	claims, okc := tenantOf(c)
	if !okc {
		return nil
	}
	return ok(c, map[string]interface{}{"instances": a.sessions.Statuses(claims.TenantID)})
}

// ownInstance loads an active instance owned by the caller's tenant.
func (a *API) ownInstance(c echo.Context, tenantID string) (*domain.WhatsAppInstance, error) {
	var inst domain.WhatsAppInstance
	err := a.db.WithContext(c.Request().Context()).
		Where("id = ? AND tenant_id = ?", c.Param("id"), tenantID).
		First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	return &inst, err
}

// connectInstance starts a connection; the QR and state changes arrive
// over the realtime channel.
func (a *API) connectInstance(c echo.Context) error {
	claims, okc := tenantOf(c)
	if !okc {
		return nil
	}
	inst, err := a.ownInstance(c, claims.TenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	if !inst.IsActive {
		return fail(c, http.StatusConflict, "INSTANCE_INACTIVE", "Instance is disabled", nil)
	}
	if err := a.sessions.Connect(c.Request().Context(), claims.TenantID, inst.ID); err != nil {
		zap.L().Warn("adminapi: connect failed",
			zap.String("tenant_id", claims.TenantID),
			zap.String("instance_id", inst.ID),
			zap.Error(err))
		if errors.Is(err, domain.ErrAuthenticationFailed) {
			return fail(c, http.StatusUnprocessableEntity, "CREDENTIALS_CORRUPT", "Stored session failed verification", err.Error())
		}
		return fail(c, http.StatusInternalServerError, "CONNECT_FAILED", "Failed to connect instance", err.Error())
	}
	return accepted(c, map[string]interface{}{"started": true})
}

// disconnectInstance closes the session; ?logout=true also unlinks the
// device and purges stored credentials.
func (a *API) disconnectInstance(c echo.Context) error {
	claims, okc := tenantOf(c)
	if !okc {
		return nil
	}
	inst, err := a.ownInstance(c, claims.TenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	logout := cast.ToBool(c.QueryParam("logout"))
	if err := a.sessions.Disconnect(c.Request().Context(), claims.TenantID, inst.ID, logout); err != nil {
		return fail(c, http.StatusInternalServerError, "DISCONNECT_FAILED", "Failed to disconnect instance", err.Error())
	}
	zap.L().Info("adminapi: instance disconnected",
		zap.String("tenant_id", claims.TenantID),
		zap.String("instance_id", inst.ID),
		zap.Bool("logout", logout))
	return ok(c, map[string]interface{}{"disconnected": true, "logout": logout})
}
