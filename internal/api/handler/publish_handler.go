package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/publish-engine/internal/platform"
	"github.com/d60-Lab/publish-engine/internal/service"
	"github.com/d60-Lab/publish-engine/pkg/response"
)

type PublishHandler struct {
	publisher *service.Publisher
}

func NewPublishHandler(p *service.Publisher) *PublishHandler {
	return &PublishHandler{publisher: p}
}

type publishRequest struct {
	Platform       string `json:"platform" binding:"required,platform"`
	UserID         string `json:"user_id" binding:"required"`
	Content        string `json:"content" binding:"required"`
	ImageURL       string `json:"image_url"`
	RequestID      string `json:"request_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RegisterValidators 在 gin 的校验引擎上注册 platform 枚举校验
func RegisterValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
			_, err := platform.Normalize(fl.Field().String())
			return err == nil
		})
	}
}

// Publish 把策略内容发布到目标平台（恰好一次）
// @Summary 发布策略
// @Tags 发布
// @Accept json
// @Produce json
// @Param id path string true "策略ID"
// @Param request body publishRequest true "发布参数"
// @Success 200 {object} response.Response{data=service.PublishOutcome}
// @Success 202 {object} response.Response{data=service.PublishOutcome}
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /api/v1/strategies/{id}/publish [post]
func (h *PublishHandler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	outcome, err := h.publisher.Publish(c.Request.Context(), service.PublishRequest{
		StrategyID:     c.Param("id"),
		Platform:       req.Platform,
		UserID:         req.UserID,
		Content:        req.Content,
		ImageURL:       req.ImageURL,
		RequestID:      req.RequestID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var upstream *platform.UpstreamError
		switch {
		case errors.Is(err, platform.ErrUnsupportedPlatform),
			errors.Is(err, service.ErrEmptyContent),
			errors.Is(err, platform.ErrMissingAccessToken):
			response.BadRequest(c, err.Error())
		case errors.Is(err, service.ErrNotOwner):
			response.Forbidden(c, err.Error())
		case errors.Is(err, service.ErrStrategyNotFound):
			response.NotFound(c, err.Error())
		case errors.As(err, &upstream):
			response.BadGateway(c, err.Error())
		default:
			response.InternalError(c, err)
		}
		return
	}

	if outcome.Status == service.StatusInProgress {
		response.Accepted(c, outcome)
		return
	}
	response.Success(c, outcome)
}
