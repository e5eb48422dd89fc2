// Package gcpsecrets loads service login documents from Google Cloud Secret
// Manager.
//
// Authentication uses Application Default Credentials (ADC):
//   - GOOGLE_APPLICATION_CREDENTIALS env var pointing to service account JSON
//   - gcloud CLI credentials (gcloud auth application-default login)
//   - GCE/GKE metadata server (automatic for Compute Engine/Kubernetes)
package gcpsecrets

import (
	"context"
	"fmt"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/blackwell-systems/orgsession"
)

// Source implements orgsession.CredentialSource for GCP Secret Manager.
type Source struct {
	name      string
	projectID string // GCP project ID (required, e.g., "my-project-123")
	prefix    string // secret name prefix (e.g., "orgsession-")
	version   string // version or alias, "latest" by default
	endpoint  string // custom endpoint for testing (optional)

	mu     sync.Mutex
	client *secretmanager.Client
}

// New creates a Secret Manager source for the secret called name.
//
// Supported options:
//   - project_id: GCP project ID (required)
//   - prefix: Secret name prefix (default: "orgsession-")
//   - version: Secret version (default: "latest")
//   - endpoint: Custom endpoint (for the local mock server, optional)
func New(name string, options map[string]string) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: gcpsecrets: secret name is required", orgsession.ErrConstruction)
	}
	if err := orgsession.ValidateSecretName(name); err != nil {
		return nil, fmt.Errorf("%w: gcpsecrets: %w", orgsession.ErrConstruction, err)
	}

	projectID := options["project_id"]
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required for GCP Secret Manager", orgsession.ErrConstruction)
	}

	prefix, ok := options["prefix"]
	if !ok {
		prefix = "orgsession-"
	}
	version := options["version"]
	if version == "" {
		version = "latest"
	}

	return &Source{
		name:      name,
		projectID: projectID,
		prefix:    prefix,
		version:   version,
		endpoint:  options["endpoint"],
	}, nil
}

// Kind returns the source kind.
func (s *Source) Kind() orgsession.SourceKind { return orgsession.SourceGCPSecretManager }

// VersionName returns the full resource name of the secret version read by
// Load: projects/{project}/secrets/{secret}/versions/{version}.
func (s *Source) VersionName() string {
	return fmt.Sprintf("projects/%s/secrets/%s%s/versions/%s", s.projectID, s.prefix, s.name, s.version)
}

// Load fetches and decodes the login document.
func (s *Source) Load(ctx context.Context) (*orgsession.SecretCredentials, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.VersionName(),
	})
	if err != nil {
		return nil, s.handleGCPError(err)
	}
	return orgsession.ParseSecretCredentials(result.GetPayload().GetData())
}

// Close releases GCP client resources.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Source) getClient(ctx context.Context) (*secretmanager.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	var opts []option.ClientOption
	if s.endpoint != "" {
		// Local mock servers run without auth or TLS.
		opts = append(opts,
			option.WithEndpoint(s.endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcpsecrets: initialize client: %w", err)
	}
	s.client = client
	return client, nil
}

// handleGCPError maps gRPC status codes to orgsession errors.
func (s *Source) handleGCPError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("gcpsecrets: %s: %w", s.VersionName(), err)
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("gcpsecrets: %s: %w", s.VersionName(), orgsession.ErrSecretNotFound)
	case codes.PermissionDenied:
		return fmt.Errorf("gcpsecrets: %s: permission denied - check IAM permissions: %w", s.VersionName(), err)
	case codes.Unauthenticated:
		return fmt.Errorf("gcpsecrets: %s: unauthenticated - check GCP credentials: %w", s.VersionName(), err)
	case codes.FailedPrecondition:
		return fmt.Errorf("gcpsecrets: %s: version not enabled: %w", s.VersionName(), err)
	default:
		return fmt.Errorf("gcpsecrets: %s: GCP error [%s]: %w", s.VersionName(), st.Code(), err)
	}
}

func init() {
	orgsession.RegisterCredentialSource(orgsession.SourceGCPSecretManager,
		func(cfg orgsession.SourceConfig) (orgsession.CredentialSource, error) {
			return New(cfg.Name, cfg.Options)
		})
}
