// Package secrets resolves credentials from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore reads SecureString parameters under a common prefix.
type ParamStore struct {
	api    ssmAPI
	prefix string
}

// New creates a ParamStore over api. prefix is joined to every key with "/".
func New(api ssmAPI, prefix string) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("secrets: ssm api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("secrets: parameter prefix must not be empty")
	}
	return &ParamStore{api: api, prefix: prefix}, nil
}

// NewFromEnvironment builds a ParamStore using the default AWS credential
// chain (env vars, shared config, instance role).
func NewFromEnvironment(ctx context.Context, prefix string) (*ParamStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: loading aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg), prefix)
}

// Name returns the full parameter name for key, e.g. "/wingman/platform-token"
// for key "platform.token". Dots become dashes.
func (p *ParamStore) Name(key string) string {
	return p.prefix + "/" + strings.ReplaceAll(key, ".", "-")
}

// Get returns the value stored for key. Values may be plain strings or a JSON
// object of the form {"token":"..."}.
func (p *ParamStore) Get(ctx context.Context, key string) (string, error) {
	name := p.Name(key)
	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q missing value", name)
	}
	return unwrapToken(*out.Parameter.Value), nil
}

func unwrapToken(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	var tp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(trimmed), &tp); err != nil || tp.Token == "" {
		return trimmed
	}
	return tp.Token
}
