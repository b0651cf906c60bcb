// Package cli implements docctl, a command-line front end for document
// sessions.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jun/doclock/internal/auth"
	"github.com/jun/doclock/internal/client"
	"github.com/jun/doclock/internal/model"
	"github.com/jun/doclock/internal/viewer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs docctl with os.Args. Interrupts cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "docctl",
		Short: "Check documents out and in against a doclock service",
		Long: `docctl opens a document session against the doclock REST service and
performs one intent (view, checkout, checkin, discard, delete) or watches the
session's state as it changes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/docctl/config.yaml)")
	flags.String("server", "http://localhost:8080", "document service base URL")
	flags.String("token", "", "bearer token (skips the client-credentials grant)")
	flags.String("client-id", "", "OAuth2 client id for the client-credentials grant")
	flags.String("client-secret", "", "OAuth2 client secret")
	flags.String("token-url", "", "OAuth2 token endpoint")
	flags.Duration("timeout", 30*time.Second, "how long to wait for each operation")
	flags.Duration("preview-deadline", 15*time.Second, "preview load deadline")
	flags.Bool("json", false, "print snapshots as JSON")
	flags.BoolP("verbose", "v", false, "log session events to stderr")
	for _, name := range []string{"config", "server", "token", "client-id", "client-secret", "token-url", "timeout", "preview-deadline", "json", "verbose"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newViewCmd(v),
		newCheckoutCmd(v),
		newCheckinCmd(v),
		newDiscardCmd(v),
		newDeleteCmd(v),
		newWatchCmd(v),
	)
	return root
}

func initConfig(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/docctl")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DOCCTL")
	// DOCCTL_CLIENT_ID for client-id
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && v.GetString("config") != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func credentials(v *viper.Viper) (auth.CredentialProvider, error) {
	if tok := v.GetString("token"); tok != "" {
		return auth.StaticProvider(tok), nil
	}
	id, secret, url := v.GetString("client-id"), v.GetString("client-secret"), v.GetString("token-url")
	if id == "" || url == "" {
		return nil, fmt.Errorf("set --token, or --client-id and --token-url")
	}
	return auth.NewClientCredentialsProvider(id, secret, url), nil
}

func logger(v *viper.Viper) *slog.Logger {
	if !v.GetBool("verbose") {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openSession connects to the service and loads the document's view info.
func openSession(ctx context.Context, v *viper.Viper, id string, opts ...viewer.Option) (*viewer.Session, error) {
	creds, err := credentials(v)
	if err != nil {
		return nil, err
	}
	log := logger(v)
	remote := client.New(v.GetString("server"), creds, client.WithLogger(log))

	opts = append([]viewer.Option{
		viewer.WithLogger(log),
		viewer.WithPreviewDeadline(v.GetDuration("preview-deadline")),
	}, opts...)
	s, err := viewer.Open(remote, model.DocumentHandle(id), opts...)
	if err != nil {
		return nil, err
	}
	if _, err := await(ctx, v)(s.Refresh(ctx)); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// await waits for an intent's outcome, bounded by --timeout.
func await(ctx context.Context, v *viper.Viper) func(<-chan viewer.Result, error) (viewer.Snapshot, error) {
	return func(ch <-chan viewer.Result, err error) (viewer.Snapshot, error) {
		if err != nil {
			return viewer.Snapshot{}, err
		}
		ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
		defer cancel()
		select {
		case res, ok := <-ch:
			if !ok {
				return viewer.Snapshot{}, viewer.ErrClosed
			}
			return res.Snapshot, res.Err
		case <-ctx.Done():
			return viewer.Snapshot{}, ctx.Err()
		}
	}
}
