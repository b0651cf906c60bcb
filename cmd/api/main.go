package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jun/doclock/internal/app"
	"github.com/jun/doclock/internal/config"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	application, err := app.NewApp(context.Background(), config.Load(), logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("api.init.failed", "error", err)
		os.Exit(1)
	}
	lambda.Start(application.HandleRequest)
}
