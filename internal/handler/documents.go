package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jun/doclock/internal/correlation"
	"github.com/jun/doclock/internal/model"
	"github.com/jun/doclock/internal/obs"
	"github.com/jun/doclock/internal/service"
)

// DocumentHandler serves the checkout/checkin REST surface.
type DocumentHandler struct {
	docs      *service.Documents
	jwtSecret string
	metrics   *obs.Metrics
	logger    *slog.Logger
}

// NewDocumentHandler creates a new DocumentHandler. metrics and logger may be nil.
func NewDocumentHandler(docs *service.Documents, jwtSecret string, metrics *obs.Metrics, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DocumentHandler{docs: docs, jwtSecret: jwtSecret, metrics: metrics, logger: logger}
}

// call is the shape shared by every document operation.
type call func(ctx context.Context, caller service.Caller, id string) (any, error)

func (h *DocumentHandler) serve(ctx context.Context, op string, req events.APIGatewayProxyRequest, fn call) events.APIGatewayProxyResponse {
	started := time.Now()
	cid := correlationID(req)
	ctx = correlation.WithID(ctx, cid)
	code := ""
	defer func() { h.metrics.Observe(op, code, started) }()

	caller, err := GetCaller(req, h.jwtSecret)
	if err != nil {
		code = model.CodeNotAuthorized
		return unauthorized("Unauthorized", cid)
	}

	id := req.PathParameters["id"]
	out, err := fn(ctx, caller, id)
	if err != nil {
		var f *service.Failure
		if errors.As(err, &f) {
			code = f.Code
			h.logger.Info("handler."+op+".refused", "document", id, "user", caller.ID, "code", f.Code, "correlation_id", cid)
			return problemResponse(failureProblem(f, req.Path), cid)
		}
		code = "internal"
		h.logger.Error("handler."+op+".error", "document", id, "user", caller.ID, "error", err, "correlation_id", cid)
		return internalError(cid)
	}
	return jsonResponse(http.StatusOK, out, cid)
}

// PreviewURL handles GET /documents/{id}/preview-url.
func (h *DocumentHandler) PreviewURL(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return h.serve(ctx, "view", req, func(ctx context.Context, c service.Caller, id string) (any, error) {
		return h.docs.ViewInfo(ctx, c, id)
	}), nil
}

// Checkout handles POST /documents/{id}/checkout.
func (h *DocumentHandler) Checkout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return h.serve(ctx, "checkout", req, func(ctx context.Context, c service.Caller, id string) (any, error) {
		return h.docs.Checkout(ctx, c, id)
	}), nil
}

// CheckIn handles POST /documents/{id}/checkin with an optional {comment}.
func (h *DocumentHandler) CheckIn(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var payload model.CheckinRequest
	if req.Body != "" {
		if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
			cid := correlationID(req)
			return problemResponse(model.Problem{Status: http.StatusBadRequest, Detail: "Invalid request body"}, cid), nil
		}
	}
	return h.serve(ctx, "checkin", req, func(ctx context.Context, c service.Caller, id string) (any, error) {
		return h.docs.CheckIn(ctx, c, id, payload.Comment)
	}), nil
}

// Discard handles POST /documents/{id}/discard.
func (h *DocumentHandler) Discard(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return h.serve(ctx, "discard", req, func(ctx context.Context, c service.Caller, id string) (any, error) {
		return h.docs.Discard(ctx, c, id)
	}), nil
}

// Delete handles DELETE /documents/{id}.
func (h *DocumentHandler) Delete(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return h.serve(ctx, "delete", req, func(ctx context.Context, c service.Caller, id string) (any, error) {
		return h.docs.Delete(ctx, c, id)
	}), nil
}
