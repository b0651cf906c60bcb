package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jun/doclock/internal/correlation"
	"github.com/jun/doclock/internal/model"
	"github.com/jun/doclock/internal/obs"
)

// CredentialSaver persists a user's Drive refresh token.
// *auth.CredentialStore implements it.
type CredentialSaver interface {
	SaveRefreshToken(ctx context.Context, userID, refreshToken string) error
}

// CredentialHandler accepts Drive credentials handed over by the identity
// provider client.
type CredentialHandler struct {
	store     CredentialSaver
	jwtSecret string
	metrics   *obs.Metrics
}

func NewCredentialHandler(store CredentialSaver, jwtSecret string, metrics *obs.Metrics) *CredentialHandler {
	return &CredentialHandler{store: store, jwtSecret: jwtSecret, metrics: metrics}
}

// PutDriveCredential handles PUT /users/me/drive-credential.
func (h *CredentialHandler) PutDriveCredential(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	started := time.Now()
	cid := correlationID(req)

	caller, err := GetCaller(req, h.jwtSecret)
	if err != nil {
		h.metrics.Observe("credential", model.CodeNotAuthorized, started)
		return unauthorized("Unauthorized", cid), nil
	}

	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil || payload.RefreshToken == "" {
		h.metrics.Observe("credential", "bad_request", started)
		return problemResponse(model.Problem{Status: http.StatusBadRequest, Detail: "refreshToken is required"}, cid), nil
	}

	if err := h.store.SaveRefreshToken(ctx, caller.ID, payload.RefreshToken); err != nil {
		h.metrics.Observe("credential", "internal", started)
		return internalError(cid), nil
	}

	h.metrics.Observe("credential", "", started)
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlation.Header: cid},
	}, nil
}
