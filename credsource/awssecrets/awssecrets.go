// Package awssecrets loads service login documents from AWS Secrets Manager.
//
// The secret value is the JSON login document understood by
// orgsession.ParseSecretCredentials. Credentials for AWS itself come from the
// default chain: environment variables, shared config, or instance roles.
package awssecrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/blackwell-systems/orgsession"
)

// API is the subset of the Secrets Manager client used by Source.
type API interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Source implements orgsession.CredentialSource for AWS Secrets Manager.
type Source struct {
	name     string // secret name without prefix
	region   string // AWS region (e.g., us-east-1)
	prefix   string // secret name prefix for namespacing (e.g., "orgsession/")
	endpoint string // custom endpoint URL for LocalStack testing

	mu     sync.Mutex
	client API
}

// New creates a Secrets Manager source for the secret called name.
//
// Supported options:
//   - region: AWS region (default: us-east-1)
//   - prefix: Secret name prefix (default: "orgsession/")
//   - endpoint: Custom endpoint URL (for LocalStack testing)
func New(name string, options map[string]string) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: awssecrets: secret name is required", orgsession.ErrConstruction)
	}
	if err := orgsession.ValidateSecretName(name); err != nil {
		return nil, fmt.Errorf("%w: awssecrets: %w", orgsession.ErrConstruction, err)
	}

	region := options["region"]
	if region == "" {
		region = "us-east-1"
	}
	prefix, ok := options["prefix"]
	if !ok {
		prefix = "orgsession/"
	}

	return &Source{
		name:     name,
		region:   region,
		prefix:   prefix,
		endpoint: options["endpoint"],
	}, nil
}

// NewWithClient returns a source that uses client instead of building one
// from the default AWS configuration.
func NewWithClient(name string, options map[string]string, client API) (*Source, error) {
	s, err := New(name, options)
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

// Kind returns the source kind.
func (s *Source) Kind() orgsession.SourceKind { return orgsession.SourceAWSSecretsManager }

// SecretID returns the full secret name with the prefix applied.
func (s *Source) SecretID() string {
	return s.prefix + s.name
}

// Load fetches and decodes the login document.
func (s *Source) Load(ctx context.Context) (*orgsession.SecretCredentials, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.SecretID()),
	})
	if err != nil {
		return nil, s.handleAWSError(err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("awssecrets: %s has no string value", s.SecretID())
	}
	return orgsession.ParseSecretCredentials([]byte(aws.ToString(out.SecretString)))
}

// Close releases resources. AWS SDK clients don't require explicit cleanup.
func (s *Source) Close() error { return nil }

func (s *Source) getClient(ctx context.Context) (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(s.region))
	if err != nil {
		return nil, fmt.Errorf("awssecrets: load AWS config: %w", err)
	}
	s.client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
	})
	return s.client, nil
}

// handleAWSError maps AWS SDK errors to orgsession errors.
func (s *Source) handleAWSError(err error) error {
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("awssecrets: %s: %w", s.SecretID(), orgsession.ErrSecretNotFound)
	}

	var ire *types.InvalidRequestException
	if errors.As(err, &ire) {
		return fmt.Errorf("awssecrets: %s: invalid request: %w", s.SecretID(), err)
	}

	var ipe *types.InvalidParameterException
	if errors.As(err, &ipe) {
		return fmt.Errorf("awssecrets: %s: invalid parameter: %w", s.SecretID(), err)
	}

	return fmt.Errorf("awssecrets: %s: %w", s.SecretID(), err)
}

func init() {
	orgsession.RegisterCredentialSource(orgsession.SourceAWSSecretsManager,
		func(cfg orgsession.SourceConfig) (orgsession.CredentialSource, error) {
			return New(cfg.Name, cfg.Options)
		})
}
