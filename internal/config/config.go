// Package config reads the document service's environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/jun/doclock/internal/secret"
)

// Backends selectable through CONTENT_BACKEND and LOCK_BACKEND.
const (
	ContentDrive  = "drive"
	ContentS3     = "s3"
	ContentMemory = "memory"

	LockDynamo = "dynamodb"
	LockRedis  = "redis"
	LockMemory = "memory"
)

type Config struct {
	DevMode     bool
	Addr        string
	MetricsAddr string
	FrontendURL string

	ContentBackend string
	LockBackend    string
	CheckoutTTL    time.Duration

	CheckoutsTable       string
	UserCredentialsTable string
	KMSKeyID             string
	RedisURL             string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3Insecure  bool

	GoogleClientID string
	// Secret parameter names, resolved through internal/secret.
	JWTSecretParam          string
	GoogleClientSecretParam string
	S3SecretKeyParam        string
	APIGatewaySecretParam   string
}

func Load() Config {
	dev := os.Getenv("DEV_MODE") == "true"
	content, lock := ContentDrive, LockDynamo
	if dev {
		content, lock = ContentMemory, LockMemory
	}
	return Config{
		DevMode:     dev,
		Addr:        getenv("API_ADDR", ":8080"),
		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
		FrontendURL: getenv("FRONTEND_URL", "http://localhost:3000"),

		ContentBackend: getenv("CONTENT_BACKEND", content),
		LockBackend:    getenv("LOCK_BACKEND", lock),
		CheckoutTTL:    time.Duration(getenvInt("CHECKOUT_TTL_SECONDS", 8*60*60)) * time.Second,

		CheckoutsTable:       getenv("CHECKOUTS_TABLE", "Checkouts"),
		UserCredentialsTable: getenv("USER_CREDENTIALS_TABLE", "UserCredentials"),
		KMSKeyID:             getenv("KMS_KEY_ID", "alias/doclock-credential-key"),
		RedisURL:             getenv("REDIS_URL", "redis://localhost:6379/0"),

		S3Endpoint:  getenv("S3_ENDPOINT", "localhost:9000"),
		S3Region:    getenv("S3_REGION", "us-east-1"),
		S3Bucket:    getenv("S3_BUCKET", "doclock"),
		S3AccessKey: getenv("S3_ACCESS_KEY", ""),
		S3Insecure:  getenv("S3_INSECURE", "false") == "true",

		GoogleClientID:          getenv("GOOGLE_CLIENT_ID", ""),
		JWTSecretParam:          getenv("JWT_SECRET_PARAM", secret.ParamJWTSecret),
		GoogleClientSecretParam: getenv("GOOGLE_CLIENT_SECRET_PARAM", secret.ParamGoogleClientSecret),
		S3SecretKeyParam:        getenv("S3_SECRET_KEY_PARAM", secret.ParamS3SecretKey),
		APIGatewaySecretParam:   getenv("API_GATEWAY_SECRET_PARAM", "/doclock/api-gateway-secret"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
