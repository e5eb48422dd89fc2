package gcpmock

import (
	"context"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStorage_PutAndAccess(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()

	v1, err := s.Put("p", "crm", []byte("one"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if want := "projects/p/secrets/crm/versions/1"; v1 != want {
		t.Errorf("Put() = %q, want %q", v1, want)
	}
	if _, err := s.Put("p", "crm", []byte("two")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if s.SecretCount() != 1 {
		t.Errorf("SecretCount() = %d, want 1", s.SecretCount())
	}

	tests := []struct {
		name     string
		version  string
		wantData string
		wantName string
	}{
		{"latest", "latest", "two", "projects/p/secrets/crm/versions/2"},
		{"explicit", "1", "one", "projects/p/secrets/crm/versions/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := s.AccessSecretVersion(ctx, "projects/p/secrets/crm/versions/"+tt.version)
			if err != nil {
				t.Fatalf("AccessSecretVersion() error = %v", err)
			}
			if string(resp.GetPayload().GetData()) != tt.wantData {
				t.Errorf("payload = %q, want %q", resp.GetPayload().GetData(), tt.wantData)
			}
			if resp.GetName() != tt.wantName {
				t.Errorf("name = %q, want %q", resp.GetName(), tt.wantName)
			}
		})
	}
}

func TestStorage_DisabledVersions(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	_, _ = s.Put("p", "crm", []byte("one"))
	_, _ = s.Put("p", "crm", []byte("two"))

	if _, err := s.DisableSecretVersion(ctx, "projects/p/secrets/crm/versions/2"); err != nil {
		t.Fatalf("DisableSecretVersion() error = %v", err)
	}

	_, err := s.AccessSecretVersion(ctx, "projects/p/secrets/crm/versions/2")
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("AccessSecretVersion(disabled) code = %v, want FailedPrecondition", status.Code(err))
	}

	resp, err := s.AccessSecretVersion(ctx, "projects/p/secrets/crm/versions/latest")
	if err != nil {
		t.Fatalf("AccessSecretVersion(latest) error = %v", err)
	}
	if string(resp.GetPayload().GetData()) != "one" {
		t.Errorf("latest payload = %q, want one", resp.GetPayload().GetData())
	}

	_, _ = s.DisableSecretVersion(ctx, "projects/p/secrets/crm/versions/1")
	_, err = s.AccessSecretVersion(ctx, "projects/p/secrets/crm/versions/latest")
	if status.Code(err) != codes.NotFound {
		t.Errorf("AccessSecretVersion(latest) code = %v, want NotFound", status.Code(err))
	}
}

func TestStorage_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	if _, err := s.CreateSecret(ctx, "projects/p", "crm", &secretmanagerpb.Secret{}); err != nil {
		t.Fatalf("CreateSecret() error = %v", err)
	}

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"duplicate", func() error {
			_, err := s.CreateSecret(ctx, "projects/p", "crm", &secretmanagerpb.Secret{})
			return err
		}(), codes.AlreadyExists},
		{"no versions", func() error {
			_, err := s.AccessSecretVersion(ctx, "projects/p/secrets/crm/versions/latest")
			return err
		}(), codes.NotFound},
		{"bad name", func() error {
			_, err := s.AccessSecretVersion(ctx, "projects/p/secrets/crm")
			return err
		}(), codes.InvalidArgument},
		{"missing version", func() error {
			_, err := s.AccessSecretVersion(ctx, "projects/p/secrets/crm/versions/9")
			return err
		}(), codes.NotFound},
		{"missing secret", func() error {
			_, err := s.AddSecretVersion(ctx, "projects/p/secrets/nope", &secretmanagerpb.SecretPayload{})
			return err
		}(), codes.NotFound},
		{"delete missing", s.DeleteSecret(ctx, "projects/p/secrets/nope"), codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(tt.err); got != tt.want {
				t.Errorf("code = %v, want %v (err = %v)", got, tt.want, tt.err)
			}
		})
	}

	if err := s.DeleteSecret(ctx, "projects/p/secrets/crm"); err != nil {
		t.Errorf("DeleteSecret() error = %v", err)
	}
	if s.SecretCount() != 0 {
		t.Errorf("SecretCount() = %d, want 0", s.SecretCount())
	}
}
