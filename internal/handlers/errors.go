package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/branchorder/api/internal/platform/httpx"
	"github.com/branchorder/api/internal/platform/requestctx"
	"github.com/branchorder/api/internal/services"
)

var kindStatus = map[services.ErrorKind]int{
	services.KindNotFound:                    http.StatusNotFound,
	services.KindConflict:                    http.StatusConflict,
	services.KindInvalidState:                http.StatusConflict,
	services.KindProviderError:               http.StatusBadGateway,
	services.KindSignatureVerificationFailed: http.StatusUnauthorized,
	services.KindValidation:                  http.StatusBadRequest,
	services.KindUnavailable:                 http.StatusServiceUnavailable,
	services.KindPayloadTooLarge:             http.StatusRequestEntityTooLarge,
}

// writeServiceError renders a service failure. Untyped errors become an opaque 500;
// context cancellation from a client disconnect is logged but not reported as a server fault.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	svcErr, ok := services.AsError(err)
	if !ok {
		logger := requestctx.Logger(ctx)
		if errors.Is(err, context.Canceled) {
			logger.Info("request cancelled")
			httpx.WriteError(ctx, w, httpx.NewError("request_cancelled", "request cancelled", 499))
			return
		}
		logger.Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
		return
	}

	status, ok := kindStatus[svcErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	code := svcErr.Code
	if strings.TrimSpace(code) == "" {
		code = string(svcErr.Kind)
	}
	message := svcErr.Message
	if status == http.StatusInternalServerError || message == "" {
		message = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Warn("service error",
			zap.String("code", code),
			zap.String("kind", string(svcErr.Kind)),
			zap.Error(err),
		)
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status).WithDetails(svcErr.Details))
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusBadRequest))
}

// writeDecodeError renders a DecodeJSON failure.
func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("PAYLOAD_TOO_LARGE", err.Error(), http.StatusRequestEntityTooLarge))
		return
	}
	writeBadRequest(ctx, w, "INVALID_BODY", err.Error())
}
