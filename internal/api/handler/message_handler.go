package handler

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/api/middleware"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/service"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/logger"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/response"
)

const (
	HeaderMessageID = "MessageId"
	HeaderETag      = "ETag"
)

// Peek 返回队列头部的市场文档，未出队前重复 peek 返回相同字节
// @Summary 查看下一份市场文档
// @Tags messages
// @Produce application/xml
// @Produce application/json
// @Produce application/ebix+xml
// @Security BearerAuth
// @Param category path string true "消息类别" Enums(aggregations, measure-data, master-data)
// @Param format query string false "文档格式，缺省时按 Accept 协商" Enums(xml, json, ebix)
// @Success 200 {string} string "市场文档"
// @Success 204 "队列为空"
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/messages/peek/{category} [get]
func (h *Handler) Peek(c *gin.Context) {
	receiver, ok := middleware.ReceiverFrom(c)
	if !ok {
		response.Unauthorized(c, "missing actor identity")
		return
	}
	category, err := model.ParseMessageCategory(c.Param("category"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	format, err := negotiateFormat(c.Query("format"), c.GetHeader("Accept"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	res, err := h.peek.Peek(c.Request.Context(), receiver, category, format)
	switch {
	case errors.Is(err, service.ErrNoContent):
		c.Status(http.StatusNoContent)
		return
	case err != nil:
		capture(c, err)
		logger.Error("peek failed", zap.String("receiver", receiver.String()), zap.String("category", string(category)), zap.Error(err))
		response.InternalError(c, "peek failed")
		return
	}

	c.Header(HeaderMessageID, res.MessageID)
	c.Header(HeaderETag, `"`+res.ContentHash+`"`)
	c.Data(http.StatusOK, res.ContentType, res.Content)
}

// Dequeue 确认已接收文档；重复出队返回 404
// @Summary 确认并移除已查看的文档
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param message_id path string true "Peek 返回的 MessageId"
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/messages/dequeue/{message_id} [delete]
func (h *Handler) Dequeue(c *gin.Context) {
	receiver, ok := middleware.ReceiverFrom(c)
	if !ok {
		response.Unauthorized(c, "missing actor identity")
		return
	}
	messageID := c.Param("message_id")
	if messageID == "" {
		response.BadRequest(c, "message id is required")
		return
	}

	err := h.dequeue.Dequeue(c.Request.Context(), receiver, messageID)
	switch {
	case errors.Is(err, service.ErrBundleNotFound):
		response.NotFound(c, "message not found or already dequeued")
		return
	case err != nil:
		capture(c, err)
		logger.Error("dequeue failed", zap.String("receiver", receiver.String()), zap.String("message_id", messageID), zap.Error(err))
		response.InternalError(c, "dequeue failed")
		return
	}
	response.Success(c, gin.H{"message_id": messageID})
}

// negotiateFormat prefers the explicit query parameter over the Accept header.
func negotiateFormat(query, accept string) (model.DocumentFormat, error) {
	if query != "" {
		return model.ParseDocumentFormat(query)
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "application/json":
			return model.FormatJSON, nil
		case "application/ebix+xml":
			return model.FormatEbix, nil
		case "application/xml", "text/xml":
			return model.FormatXML, nil
		}
	}
	return model.FormatXML, nil
}

// capture forwards unexpected failures to Sentry when the middleware is installed.
func capture(c *gin.Context, err error) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.CaptureException(err)
	}
}
