package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jun/doclock/internal/correlation"
	"github.com/jun/doclock/internal/model"
	"github.com/jun/doclock/internal/service"
)

const problemContentType = "application/problem+json"

// header looks a request header up case-insensitively.
func header(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// GetCaller extracts the caller from the Authorization header or session cookie.
func GetCaller(req events.APIGatewayProxyRequest, jwtSecret string) (service.Caller, error) {
	// 1. Check Authorization Header (Bearer <token>)
	tokenString := ""
	authHeader := header(req, "Authorization")
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = strings.TrimPrefix(authHeader, "Bearer ")
	}

	// 2. Check Cookie
	if tokenString == "" {
		// Cookie format: session_token=xxx; ...
		for _, part := range strings.Split(header(req, "Cookie"), ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "session_token=") {
				tokenString = strings.TrimPrefix(part, "session_token=")
				break
			}
		}
	}

	if tokenString == "" {
		return service.Caller{}, fmt.Errorf("no authorization token found")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return service.Caller{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return service.Caller{}, fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return service.Caller{}, fmt.Errorf("invalid token claims")
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	return service.Caller{ID: sub, Name: name, Email: email}, nil
}

// correlationID returns the request's X-Correlation-Id, or a fresh one.
func correlationID(req events.APIGatewayProxyRequest) string {
	if id, ok := correlation.Normalize(header(req, correlation.Header)); ok {
		return id
	}
	return correlation.Generate()
}

func jsonResponse(status int, v any, cid string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type":     "application/json",
			correlation.Header: cid,
		},
	}
}

func problemResponse(p model.Problem, cid string) events.APIGatewayProxyResponse {
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	body, _ := json.Marshal(p)
	return events.APIGatewayProxyResponse{
		StatusCode: p.Status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type":     problemContentType,
			correlation.Header: cid,
		},
	}
}

// failureProblem renders a service failure, holder included.
func failureProblem(f *service.Failure, instance string) model.Problem {
	p := model.Problem{
		Type:     "about:blank",
		Status:   f.Status,
		Detail:   f.Detail,
		Instance: instance,
		Code:     f.Code,
	}
	if f.Holder != nil {
		holder := f.Holder.Holder()
		at := f.Holder.CheckedOutAt
		p.CheckedOutBy = &holder
		p.CheckedOutAt = &at
	}
	return p
}

func unauthorized(detail, cid string) events.APIGatewayProxyResponse {
	return problemResponse(model.Problem{Status: http.StatusUnauthorized, Detail: detail, Code: model.CodeNotAuthorized}, cid)
}

func internalError(cid string) events.APIGatewayProxyResponse {
	return problemResponse(model.Problem{Status: http.StatusInternalServerError, Detail: "Internal Server Error"}, cid)
}
