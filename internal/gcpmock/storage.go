// Package gcpmock is an in-memory GCP Secret Manager used to exercise the
// gcpsecrets credential source without a cloud project.
//
// Only the calls needed to publish and read login documents are served:
// creating and deleting secrets, adding, reading, and disabling versions.
package gcpmock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Storage holds secrets and their versions. Safe for concurrent use.
type Storage struct {
	mu      sync.RWMutex
	secrets map[string]*storedSecret // key: projects/{project}/secrets/{id}
}

type storedSecret struct {
	name     string
	created  *timestamppb.Timestamp
	labels   map[string]string
	versions []*storedVersion // index i holds version i+1
}

type storedVersion struct {
	created *timestamppb.Timestamp
	state   secretmanagerpb.SecretVersion_State
	payload []byte
}

// NewStorage returns empty storage.
func NewStorage() *Storage {
	return &Storage{secrets: make(map[string]*storedSecret)}
}

// Put creates projects/{project}/secrets/{id} if needed and adds payload as
// its newest version.
func (s *Storage) Put(project, id string, payload []byte) (string, error) {
	parent := "projects/" + project
	name := parent + "/secrets/" + id

	s.mu.Lock()
	if _, ok := s.secrets[name]; !ok {
		s.secrets[name] = &storedSecret{name: name, created: timestamppb.Now()}
	}
	s.mu.Unlock()

	v, err := s.AddSecretVersion(context.Background(), name, &secretmanagerpb.SecretPayload{Data: payload})
	if err != nil {
		return "", err
	}
	return v.GetName(), nil
}

// CreateSecret creates a secret with no versions.
func (s *Storage) CreateSecret(ctx context.Context, parent, id string, secret *secretmanagerpb.Secret) (*secretmanagerpb.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := parent + "/secrets/" + id
	if _, ok := s.secrets[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Secret [%s] already exists", name)
	}
	stored := &storedSecret{name: name, created: timestamppb.Now(), labels: secret.GetLabels()}
	s.secrets[name] = stored
	return stored.proto(), nil
}

// DeleteSecret removes a secret and all its versions.
func (s *Storage) DeleteSecret(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[name]; !ok {
		return status.Errorf(codes.NotFound, "Secret [%s] not found", name)
	}
	delete(s.secrets, name)
	return nil
}

// AddSecretVersion appends an enabled version to the secret named parent.
func (s *Storage) AddSecretVersion(ctx context.Context, parent string, payload *secretmanagerpb.SecretPayload) (*secretmanagerpb.SecretVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.secrets[parent]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Secret [%s] not found", parent)
	}
	v := &storedVersion{
		created: timestamppb.Now(),
		state:   secretmanagerpb.SecretVersion_ENABLED,
		payload: append([]byte(nil), payload.GetData()...),
	}
	stored.versions = append(stored.versions, v)
	return &secretmanagerpb.SecretVersion{
		Name:       fmt.Sprintf("%s/versions/%d", parent, len(stored.versions)),
		CreateTime: v.created,
		State:      v.state,
	}, nil
}

// AccessSecretVersion returns the payload of a version. The "latest" alias
// resolves to the newest enabled version.
func (s *Storage) AccessSecretVersion(ctx context.Context, name string) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, n, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	v := stored.versions[n-1]
	if v.state != secretmanagerpb.SecretVersion_ENABLED {
		return nil, status.Errorf(codes.FailedPrecondition, "Version [%s] is not enabled (state: %s)", name, v.state)
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    fmt.Sprintf("%s/versions/%d", stored.name, n),
		Payload: &secretmanagerpb.SecretPayload{Data: append([]byte(nil), v.payload...)},
	}, nil
}

// DisableSecretVersion marks a version disabled so it can no longer be read.
func (s *Storage) DisableSecretVersion(ctx context.Context, name string) (*secretmanagerpb.SecretVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, n, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	v := stored.versions[n-1]
	v.state = secretmanagerpb.SecretVersion_DISABLED
	return &secretmanagerpb.SecretVersion{
		Name:       fmt.Sprintf("%s/versions/%d", stored.name, n),
		CreateTime: v.created,
		State:      v.state,
	}, nil
}

// SecretCount returns the number of stored secrets.
func (s *Storage) SecretCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

// lookup resolves a version resource name to its secret and 1-based version
// number. Must be called with the lock held.
func (s *Storage) lookup(name string) (*storedSecret, int, error) {
	secretName, id, ok := strings.Cut(name, "/versions/")
	if !ok {
		return nil, 0, status.Errorf(codes.InvalidArgument, "Invalid version name format: %s", name)
	}
	stored, ok := s.secrets[secretName]
	if !ok {
		return nil, 0, status.Errorf(codes.NotFound, "Secret [%s] not found", secretName)
	}

	if id == "latest" {
		for i := len(stored.versions); i > 0; i-- {
			if stored.versions[i-1].state == secretmanagerpb.SecretVersion_ENABLED {
				return stored, i, nil
			}
		}
		return nil, 0, status.Errorf(codes.NotFound, "No enabled versions found for secret [%s]", secretName)
	}

	n, err := strconv.Atoi(id)
	if err != nil || n < 1 || n > len(stored.versions) {
		return nil, 0, status.Errorf(codes.NotFound, "Version [%s] not found", name)
	}
	return stored, n, nil
}

func (s *storedSecret) proto() *secretmanagerpb.Secret {
	return &secretmanagerpb.Secret{
		Name:       s.name,
		CreateTime: s.created,
		Labels:     s.labels,
		Replication: &secretmanagerpb.Replication{
			Replication: &secretmanagerpb.Replication_Automatic_{
				Automatic: &secretmanagerpb.Replication_Automatic{},
			},
		},
	}
}
