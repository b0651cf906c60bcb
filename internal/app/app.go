package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/jun/doclock/internal/adapter"
	"github.com/jun/doclock/internal/adapter/googledrive"
	"github.com/jun/doclock/internal/adapter/memory"
	"github.com/jun/doclock/internal/adapter/s3"
	"github.com/jun/doclock/internal/auth"
	"github.com/jun/doclock/internal/config"
	"github.com/jun/doclock/internal/correlation"
	"github.com/jun/doclock/internal/crypto"
	"github.com/jun/doclock/internal/handler"
	"github.com/jun/doclock/internal/lockstore"
	"github.com/jun/doclock/internal/obs"
	"github.com/jun/doclock/internal/secret"
	"github.com/jun/doclock/internal/service"
)

// App routes API Gateway requests to the document and credential handlers.
type App struct {
	documents   *handler.DocumentHandler
	credentials *handler.CredentialHandler
	// originSecret, when set, must arrive in X-Origin-Verify.
	originSecret string
	frontendURL  string
	logger       *slog.Logger
}

// Deps are the already-built collaborators of an App.
type Deps struct {
	Documents    *handler.DocumentHandler
	Credentials  *handler.CredentialHandler
	OriginSecret string
	FrontendURL  string
	Logger       *slog.Logger
}

// NewRouter creates an App from prepared handlers.
func NewRouter(d Deps) *App {
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.FrontendURL == "" {
		d.FrontendURL = "http://localhost:3000"
	}
	return &App{
		documents:    d.Documents,
		credentials:  d.Credentials,
		originSecret: d.OriginSecret,
		frontendURL:  d.FrontendURL,
		logger:       d.Logger,
	}
}

// NewApp initializes the application dependencies from cfg.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// ---------- Secret Resolver ----------
	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		logger.Info("app.secrets", "resolver", "env")
	} else {
		resolver = secret.NewCached(secret.NewSSMResolver(ssm.NewFromConfig(awsCfg)))
		logger.Info("app.secrets", "resolver", "ssm")
	}

	jwtSecret, err := resolver.GetSecret(ctx, cfg.JWTSecretParam)
	if err != nil {
		if !cfg.DevMode {
			return nil, fmt.Errorf("failed to resolve jwt secret: %w", err)
		}
		logger.Warn("app.secrets.jwt_default", "error", err)
		jwtSecret = "default-dev-secret"
	}

	var originSecret string
	if !cfg.DevMode {
		originSecret, err = resolver.GetSecret(ctx, cfg.APIGatewaySecretParam)
		if err != nil {
			logger.Warn("app.secrets.origin_missing", "error", err)
		}
	}

	// ---------- Credentials ----------
	var encryptor crypto.Encryptor
	var credDynamo *dynamodb.Client
	if cfg.DevMode {
		encryptor = crypto.NewMockEncryptor()
	} else {
		encryptor = crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)
		credDynamo = dynamodb.NewFromConfig(awsCfg)
	}
	googleClientSecret, err := resolver.GetSecret(ctx, cfg.GoogleClientSecretParam)
	if err != nil && cfg.ContentBackend == config.ContentDrive {
		logger.Warn("app.secrets.google_missing", "error", err)
	}
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: googleClientSecret,
		Scopes:       []string{"https://www.googleapis.com/auth/drive"},
		Endpoint:     google.Endpoint,
	}
	credStore := auth.NewCredentialStore(oauthConfig, credDynamo, cfg.UserCredentialsTable, encryptor)

	locks, err := newLockStore(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	stores, err := newStoreProvider(ctx, cfg, resolver, credStore, logger)
	if err != nil {
		return nil, err
	}

	metrics := obs.NewMetrics(reg)
	docs := service.NewDocuments(locks, stores, service.WithLogger(logger))

	return NewRouter(Deps{
		Documents:    handler.NewDocumentHandler(docs, jwtSecret, metrics, logger),
		Credentials:  handler.NewCredentialHandler(credStore, jwtSecret, metrics),
		OriginSecret: originSecret,
		FrontendURL:  cfg.FrontendURL,
		Logger:       logger,
	}), nil
}

func newLockStore(cfg config.Config, awsCfg aws.Config, logger *slog.Logger) (lockstore.Store, error) {
	ttl := lockstore.WithTTL(cfg.CheckoutTTL)
	switch cfg.LockBackend {
	case config.LockDynamo:
		logger.Info("app.lockstore", "backend", "dynamodb", "table", cfg.CheckoutsTable)
		return lockstore.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.CheckoutsTable, ttl), nil
	case config.LockRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		logger.Info("app.lockstore", "backend", "redis", "addr", opts.Addr)
		return lockstore.NewRedisStore(redis.NewClient(opts), ttl), nil
	case config.LockMemory:
		logger.Info("app.lockstore", "backend", "memory")
		return lockstore.NewMemoryStore(ttl), nil
	}
	return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
}

func newStoreProvider(ctx context.Context, cfg config.Config, resolver secret.Resolver, creds *auth.CredentialStore, logger *slog.Logger) (adapter.StoreProvider, error) {
	switch cfg.ContentBackend {
	case config.ContentDrive:
		logger.Info("app.content", "backend", "drive")
		return googledrive.NewProvider(creds), nil
	case config.ContentS3:
		secretKey := ""
		if cfg.S3AccessKey != "" {
			var err error
			if secretKey, err = resolver.GetSecret(ctx, cfg.S3SecretKeyParam); err != nil {
				return nil, fmt.Errorf("failed to resolve s3 secret key: %w", err)
			}
		}
		store, err := s3.New(s3.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: secretKey,
			Insecure:  cfg.S3Insecure,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("app.content", "backend", "s3", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
		return adapter.Shared{Store: store}, nil
	case config.ContentMemory:
		store := memory.New(strings.TrimRight(cfg.FrontendURL, "/") + "/dev")
		if _, err := store.Put(ctx, "welcome", "Welcome.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", []byte("Welcome to doclock")); err != nil {
			return nil, err
		}
		logger.Info("app.content", "backend", "memory")
		return adapter.Shared{Store: store}, nil
	}
	return nil, fmt.Errorf("unknown CONTENT_BACKEND %q", cfg.ContentBackend)
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod

	app.logger.Debug("app.request", "method", method, "path", path)

	// CORS Preflight
	if method == http.MethodOptions {
		return app.cors(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Only CloudFront knows the origin secret.
	if app.originSecret != "" {
		if req.Headers["X-Origin-Verify"] != app.originSecret && req.Headers["x-origin-verify"] != app.originSecret {
			app.logger.Warn("app.origin.rejected", "path", path)
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	// Strip /api prefix if present (for CloudFront proxying)
	path = strings.TrimPrefix(path, "/api")
	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}

	if path == "/users/me/drive-credential" && method == http.MethodPut {
		return app.cors(must(app.credentials.PutDriveCredential(ctx, req))), nil
	}

	// /documents/{id}[/action]
	if rest, ok := strings.CutPrefix(path, "/documents/"); ok {
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		req.PathParameters["id"] = parts[0]
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}
		if len(parts) <= 2 {
			switch {
			case action == "preview-url" && method == http.MethodGet:
				return app.cors(must(app.documents.PreviewURL(ctx, req))), nil
			case action == "checkout" && method == http.MethodPost:
				return app.cors(must(app.documents.Checkout(ctx, req))), nil
			case action == "checkin" && method == http.MethodPost:
				return app.cors(must(app.documents.CheckIn(ctx, req))), nil
			case action == "discard" && method == http.MethodPost:
				return app.cors(must(app.documents.Discard(ctx, req))), nil
			case action == "" && method == http.MethodDelete:
				return app.cors(must(app.documents.Delete(ctx, req))), nil
			}
		}
	}

	return app.cors(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// cors adds CORS headers to an API Gateway response.
func (app *App) cors(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = app.frontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PUT,DELETE,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization," + correlation.Header
	resp.Headers["Access-Control-Expose-Headers"] = correlation.Header
	return resp
}

// must unwraps a handler response, ignoring the error.
func must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
