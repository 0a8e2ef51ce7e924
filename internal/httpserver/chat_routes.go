package httpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/gemini_chat_gateway/internal/app"
	"github.com/ncecere/gemini_chat_gateway/internal/httpserver/httputil"
	"github.com/ncecere/gemini_chat_gateway/internal/limits"
	"github.com/ncecere/gemini_chat_gateway/internal/models"
	"github.com/ncecere/gemini_chat_gateway/internal/requestctx"
	"github.com/ncecere/gemini_chat_gateway/internal/services/chat"
)

const idempotencyHeader = "Idempotency-Key"

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type imagePayload struct {
	Data     string `json:"data" validate:"required"`
	MimeType string `json:"mime_type" validate:"omitempty,max=128"`
}

type chatRequest struct {
	Message       string         `json:"message"`
	Images        []imagePayload `json:"images" validate:"omitempty,dive"`
	Model         string         `json:"model" validate:"omitempty,max=128"`
	GenerateImage bool           `json:"generate_image"`
}

type chatResponse struct {
	Text   string         `json:"text"`
	Images []imagePayload `json:"images"`
}

func registerChatRoutes(app *fiber.App, container *app.Container) {
	app.Post("/chat", chatHandler(container))

	app.Get("/models", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"models": container.Config.Gemini.Models})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		snap := container.Rotator.Snapshot()
		return c.JSON(fiber.Map{
			"status":            "healthy",
			"available_models":  container.Config.Gemini.Models,
			"total_api_keys":    snap.PoolSize,
			"working_keys":      snap.Working,
			"current_key_index": snap.Cursor,
			"failed_keys":       snap.Excluded,
		})
	})

	app.Get("/reset-keys", func(c *fiber.Ctx) error {
		if !container.AdminGuard.Authorize(c.Get(fiber.HeaderAuthorization)) {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "admin token required")
		}
		previous := container.Rotator.Reset()
		container.Logger.Info("credential pool reset", slog.Int("previously_failed", previous))
		return c.JSON(fiber.Map{
			"message":           "API keys reset successfully",
			"previously_failed": previous,
			"now_available":     container.Rotator.Size(),
		})
	})
}

func chatHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body chatRequest
		if err := c.BodyParser(&body); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
		if err := getValidator().Struct(body); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
		}
		req, err := toGenerationRequest(body)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
		}

		ctx := requestctx.WithContext(c.UserContext(), &requestctx.Context{
			RequestID: requestIDFromLocals(c),
			Caller:    c.IP(),
		})
		idemKey := strings.TrimSpace(c.Get(idempotencyHeader))
		if idemKey != "" {
			var cached chatResponse
			hit, err := container.Idempotency.Lookup(ctx, idemKey, &cached)
			if err != nil {
				container.Logger.Warn("idempotency lookup failed", slog.String("error", err.Error()))
			}
			if hit {
				c.Set("Idempotent-Replayed", "true")
				return c.JSON(cached)
			}
		}

		release, err := container.RateLimiter.Acquire(ctx, c.IP())
		if err != nil {
			if errors.Is(err, limits.ErrLimitExceeded) {
				return httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
			}
			container.Logger.Error("rate limiter unavailable", slog.String("error", err.Error()))
			return httputil.WriteError(c, fiber.StatusInternalServerError, "rate limiter unavailable")
		}
		defer release()

		result, err := container.Chat.Generate(ctx, req)
		if err != nil {
			return writeChatError(c, err)
		}

		resp := toChatResponse(result)
		if idemKey != "" && !result.Degraded {
			if err := container.Idempotency.Store(ctx, idemKey, resp); err != nil {
				container.Logger.Warn("idempotency store failed", slog.String("error", err.Error()))
			}
		}
		return c.JSON(resp)
	}
}

func requestIDFromLocals(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}

func writeChatError(c *fiber.Ctx, err error) error {
	var chatErr *chat.Error
	switch {
	case errors.Is(err, chat.ErrModelUnavailable) && errors.As(err, &chatErr):
		return httputil.WriteError(c, fiber.StatusBadRequest, chatErr.Message)
	case errors.Is(err, chat.ErrServiceUnavailable) && errors.As(err, &chatErr):
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, chatErr.Message)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httputil.WriteError(c, fiber.StatusRequestTimeout, "request cancelled")
	default:
		return httputil.WriteError(c, fiber.StatusInternalServerError, err.Error())
	}
}

func toGenerationRequest(body chatRequest) (models.GenerationRequest, error) {
	req := models.GenerationRequest{
		Text:          body.Message,
		Model:         strings.TrimSpace(body.Model),
		GenerateImage: body.GenerateImage,
	}
	for i, img := range body.Images {
		data, err := decodeImageData(img.Data)
		if err != nil {
			return models.GenerationRequest{}, fmt.Errorf("images[%d]: data is not valid base64", i)
		}
		mimeType := strings.TrimSpace(img.MimeType)
		if mimeType == "" {
			mimeType = mimetype.Detect(data).String()
		}
		req.Images = append(req.Images, models.InlineImage{Data: data, MimeType: mimeType})
	}
	return req, nil
}

// decodeImageData accepts raw base64 or a data URL as produced by FileReader.
func decodeImageData(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "data:") {
		if _, payload, ok := strings.Cut(value, ","); ok {
			value = payload
		}
	}
	return base64.StdEncoding.DecodeString(value)
}

func toChatResponse(result models.GenerationResult) chatResponse {
	resp := chatResponse{Text: result.Text, Images: make([]imagePayload, 0, len(result.Images))}
	for _, img := range result.Images {
		resp.Images = append(resp.Images, imagePayload{
			Data:     base64.StdEncoding.EncodeToString(img.Data),
			MimeType: img.MimeType,
		})
	}
	return resp
}
