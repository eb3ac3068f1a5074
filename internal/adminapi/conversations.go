package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/inbox"
	"github.com/talkincode/wadesk/internal/jobs"
	"github.com/talkincode/wadesk/internal/queue"
	"github.com/talkincode/wadesk/internal/webserver"
	"github.com/talkincode/wadesk/internal/whatsapp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sendPayload struct {
	Text      string `json:"text" validate:"required_without=MediaURL,max=4096"`
	MediaURL  string `json:"media_url" validate:"omitempty,url"`
	MediaType string `json:"media_type" validate:"omitempty,oneof=image video audio document"`
	FileName  string `json:"file_name" validate:"omitempty,max=255"`
}

func (a *API) registerConversationRoutes(srv *webserver.AdminServer) {
	srv.ApiPOST("/conversations/:id/messages", a.sendMessage)
	srv.ApiPOST("/conversations/:id/assign", a.assignConversation)
	srv.ApiPOST("/conversations/:id/resolve", a.resolveConversation)
}

// sendMessage records an outbound message as queued and hands it to the
// send queue. The message status is updated by the worker.
func (a *API) sendMessage(c echo.Context) error {
	claims, okc := tenantOf(c)
	if !okc {
		return nil
	}
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid message", err.Error())
	}

	ctx := c.Request().Context()
	var conv domain.Conversation
	err := a.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", c.Param("id"), claims.TenantID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query conversation", err.Error())
	}

	holder, err := a.locks.Holder(ctx, claims.TenantID, conv.ID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to read conversation lock", err.Error())
	}
	if holder != "" && holder != claims.UserID {
		return fail(c, http.StatusConflict, "LOCK_HELD", "Conversation is assigned to another agent", map[string]string{"holder": holder})
	}

	var contact domain.Contact
	if err := a.db.WithContext(ctx).Where("id = ?", conv.ContactID).First(&contact).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query contact", err.Error())
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		TenantID:       claims.TenantID,
		ConversationID: conv.ID,
		InstanceID:     conv.InstanceID,
		Direction:      domain.DirectionOutbound,
		Type:           domain.MessageTypeText,
		Content:        strings.TrimSpace(payload.Text),
		MediaURL:       payload.MediaURL,
		Status:         domain.MessageQueued,
		SentBy:         claims.UserID,
	}
	job := jobs.OutboundJob{
		TenantID:   claims.TenantID,
		InstanceID: conv.InstanceID,
		Recipient:  contact.WaID,
		Text:       msg.Content,
		MessageID:  msg.ID,
	}
	if payload.MediaURL != "" {
		msg.Type = payload.MediaType
		if msg.Type == "" {
			msg.Type = domain.MessageTypeImage
		}
		job.Media = &whatsapp.Media{
			Type:     msg.Type,
			URL:      payload.MediaURL,
			Caption:  msg.Content,
			FileName: payload.FileName,
		}
	}

	if err := a.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create message", err.Error())
	}
	jobID, err := a.queue.Enqueue(jobs.QueueSend, job, queue.WithMaxAttempts(a.maxAttempts))
	if err != nil {
		_ = a.db.WithContext(ctx).Model(msg).Updates(map[string]interface{}{
			"status": domain.MessageFailed,
			"error":  err.Error(),
		}).Error
		return fail(c, http.StatusInternalServerError, "QUEUE_ERROR", "Failed to queue message", err.Error())
	}
	a.db.WithContext(ctx).Model(&domain.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]interface{}{
		"last_message_at":      msg.CreatedAt,
		"last_message_preview": inbox.Preview(msg.Type, msg.Content),
	})

	zap.L().Debug("adminapi: message queued",
		zap.String("tenant_id", claims.TenantID),
		zap.String("message_id", msg.ID),
		zap.String("job_id", jobID))
	return accepted(c, map[string]interface{}{"message": msg, "job_id": jobID})
}

func (a *API) assignConversation(c echo.Context) error {
	claims, okc := tenantOf(c)
	if !okc {
		return nil
	}
	var payload struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	holder := payload.AgentID
	if holder == "" {
		holder = claims.UserID
	}
	if holder == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "agent_id is required", nil)
	}

	err := a.locks.Acquire(c.Request().Context(), claims.TenantID, c.Param("id"), holder)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		return fail(c, http.StatusConflict, "LOCK_HELD", "Conversation is assigned to another agent", nil)
	case errors.Is(err, domain.ErrNotFound):
		return fail(c, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to assign conversation", err.Error())
	}
	return ok(c, map[string]interface{}{"assigned_to": holder})
}

func (a *API) resolveConversation(c echo.Context) error {
	claims, okc := tenantOf(c)
	if !okc {
		return nil
	}
	err := a.locks.Release(c.Request().Context(), claims.TenantID, c.Param("id"))
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "Conversation not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to resolve conversation", err.Error())
	}
	return ok(c, map[string]interface{}{"resolved": true})
}
