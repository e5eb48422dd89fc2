package gcpmock

import (
	"context"
	"net"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Server implements the Secret Manager gRPC service over Storage. Calls that
// are not served return Unimplemented.
type Server struct {
	secretmanagerpb.UnimplementedSecretManagerServiceServer
	storage *Storage
}

// NewServer returns a server with empty storage.
func NewServer() *Server {
	return &Server{storage: NewStorage()}
}

// Storage returns the underlying storage.
func (s *Server) Storage() *Storage {
	return s.storage
}

// CreateSecret creates a secret with no versions.
func (s *Server) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	if req.GetParent() == "" {
		return nil, status.Error(codes.InvalidArgument, "parent is required")
	}
	if req.GetSecretId() == "" {
		return nil, status.Error(codes.InvalidArgument, "secret_id is required")
	}
	return s.storage.CreateSecret(ctx, req.GetParent(), req.GetSecretId(), req.GetSecret())
}

// DeleteSecret deletes a secret and all its versions.
func (s *Server) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) (*emptypb.Empty, error) {
	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	if err := s.storage.DeleteSecret(ctx, req.GetName()); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// AddSecretVersion adds a new version to an existing secret.
func (s *Server) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	if req.GetParent() == "" {
		return nil, status.Error(codes.InvalidArgument, "parent is required")
	}
	if req.GetPayload() == nil {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	return s.storage.AddSecretVersion(ctx, req.GetParent(), req.GetPayload())
}

// AccessSecretVersion returns the payload of a version.
func (s *Server) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	return s.storage.AccessSecretVersion(ctx, req.GetName())
}

// DisableSecretVersion disables a version.
func (s *Server) DisableSecretVersion(ctx context.Context, req *secretmanagerpb.DisableSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	return s.storage.DisableSecretVersion(ctx, req.GetName())
}

// Listen serves a new Server on addr ("localhost:0" picks a free port). The
// returned address is what clients should dial. Each register func is called
// before serving starts.
func Listen(addr string, register ...func(*grpc.Server)) (*grpc.Server, *Server, string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, "", err
	}
	grpcServer := grpc.NewServer()
	srv := NewServer()
	secretmanagerpb.RegisterSecretManagerServiceServer(grpcServer, srv)
	for _, r := range register {
		r(grpcServer)
	}

	go func() { _ = grpcServer.Serve(lis) }()
	return grpcServer, srv, lis.Addr().String(), nil
}
