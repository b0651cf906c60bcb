package handler_test

import (
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jun/doclock/internal/handler"
)

const (
	testJWTSecret = "test-secret"
	testUserID    = "test-user-123"
)

func makeToken(userID, name string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"name":  name,
		"email": userID + "@example.com",
		"exp":   time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))
	return signed
}

func TestGetCaller_BearerToken(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(testUserID, "Test User"),
		},
	}

	caller, err := handler.GetCaller(req, testJWTSecret)
	if err != nil {
		t.Fatalf("GetCaller failed: %v", err)
	}
	if caller.ID != testUserID || caller.Name != "Test User" || caller.Email != testUserID+"@example.com" {
		t.Errorf("Unexpected caller %+v", caller)
	}
}

func TestGetCaller_Cookie(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Cookie": "session_token=" + makeToken(testUserID, "") + "; Path=/",
		},
	}

	caller, err := handler.GetCaller(req, testJWTSecret)
	if err != nil {
		t.Fatalf("GetCaller from cookie failed: %v", err)
	}
	if caller.ID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, caller.ID)
	}
}

func TestGetCaller_NoToken(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{},
	}

	if _, err := handler.GetCaller(req, testJWTSecret); err == nil {
		t.Error("Expected error for missing token, got nil")
	}
}

func TestGetCaller_InvalidToken(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer invalid-jwt-token",
		},
	}

	if _, err := handler.GetCaller(req, testJWTSecret); err == nil {
		t.Error("Expected error for invalid token, got nil")
	}
}

func TestGetCaller_ExpiredToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": testUserID,
		"exp": time.Now().Add(-1 * time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))

	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + signed,
		},
	}

	if _, err := handler.GetCaller(req, testJWTSecret); err == nil {
		t.Error("Expected error for expired token, got nil")
	}
}

func TestGetCaller_MissingSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"name": "No Subject",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))

	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{"Authorization": "Bearer " + signed},
	}
	if _, err := handler.GetCaller(req, testJWTSecret); err == nil {
		t.Error("Expected error for token without sub")
	}
}

func TestGetCaller_CaseInsensitiveHeaders(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"authorization": "Bearer " + makeToken(testUserID, ""), // lowercase
		},
	}

	caller, err := handler.GetCaller(req, testJWTSecret)
	if err != nil {
		t.Fatalf("GetCaller with lowercase header failed: %v", err)
	}
	if caller.ID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, caller.ID)
	}
}
