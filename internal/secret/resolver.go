// Package secret resolves named secrets (JWT signing key, OAuth client secret)
// from SSM Parameter Store in production or the environment in DEV_MODE.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Parameter names used by the document service.
const (
	ParamJWTSecret          = "/doclock/jwt-secret"
	ParamGoogleClientSecret = "/doclock/google-client-secret"
	ParamS3SecretKey        = "/doclock/s3-secret-key"
)

// SSMClient is the subset of *ssm.Client used here.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver returns the value of a named secret.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver reads SecureString parameters.
type SSMResolver struct {
	client SSMClient
}

func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("ssm parameter %q is empty", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// EnvResolver maps "/doclock/jwt-secret" to $JWT_SECRET.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	key := EnvName(name)
	val, ok := r.lookup(key)
	if !ok || val == "" {
		return "", fmt.Errorf("secret %q: environment variable %s is not set", name, key)
	}
	return val, nil
}

// EnvName returns the environment variable for a parameter path: the last
// path segment, upper-cased, with dashes turned into underscores.
func EnvName(param string) string {
	last := param[strings.LastIndex(param, "/")+1:]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// Cached memoizes successful lookups for the life of the process so warm
// lambda invocations skip SSM. Failures are not cached.
type Cached struct {
	inner Resolver
	mu    sync.Mutex
	vals  map[string]string
}

func NewCached(inner Resolver) *Cached {
	return &Cached{inner: inner, vals: make(map[string]string)}
}

func (c *Cached) GetSecret(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	v, ok := c.vals[name]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := c.inner.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.vals[name] = v
	c.mu.Unlock()
	return v, nil
}
