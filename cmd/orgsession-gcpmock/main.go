// orgsession-gcpmock
//
// Serves an in-memory GCP Secret Manager holding one login document, so the
// gcpsecrets credential source can be tried without a cloud project. Point a
// source at it with the "endpoint" option.
//
// Usage:
//
//	orgsession-gcpmock -port 9090 -project dev -secret orgsession-crm -user alice@contoso.com -password secret
//
// Environment Variables:
//
//	GCP_MOCK_PORT        - Port to listen on (default: 9090)
//	GCP_MOCK_LOG_LEVEL   - Log level: debug, info, warn, error (default: info)
//	GCP_MOCK_PASSWORD    - Password stored in the login document
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/blackwell-systems/orgsession"
	"github.com/blackwell-systems/orgsession/internal/gcpmock"
)

var (
	port     = flag.Int("port", getEnvInt("GCP_MOCK_PORT", 9090), "Port to listen on")
	logLevel = flag.String("log-level", getEnv("GCP_MOCK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	project  = flag.String("project", "dev", "Project ID the secret lives in")
	secret   = flag.String("secret", "orgsession-crm", "Secret ID of the login document")
	scheme   = flag.String("scheme", "", "Scheme recorded in the login document (optional)")
	user     = flag.String("user", "alice@contoso.com", "Username stored in the login document")
	password = flag.String("password", getEnv("GCP_MOCK_PASSWORD", "secret"), "Password stored in the login document")
	realm    = flag.String("home-realm", "", "Home realm stored in the login document (optional)")
)

func main() {
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

	doc, err := json.Marshal(orgsession.SecretCredentials{
		Scheme:    *scheme,
		Username:  *user,
		Password:  *password,
		HomeRealm: *realm,
	})
	if err != nil {
		log.Fatalf("Failed to encode login document: %v", err)
	}

	// Reflection is registered for grpc_cli debugging.
	grpcServer, srv, addr, err := gcpmock.Listen(fmt.Sprintf(":%d", *port), func(s *grpc.Server) {
		reflection.Register(s)
	})
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	version, err := srv.Storage().Put(*project, *secret, doc)
	if err != nil {
		log.Fatalf("Failed to seed login document: %v", err)
	}
	log.WithFields(logrus.Fields{
		"addr":    addr,
		"version": version,
	}).Info("GCP Secret Manager mock ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")
	grpcServer.GracefulStop()
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns environment variable as int or default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}
