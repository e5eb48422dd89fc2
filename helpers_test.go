package orgsession_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/blackwell-systems/orgsession"
	"github.com/blackwell-systems/orgsession/mock"
)

const serviceURL = "https://org.example.com/XRMServices/2011/Organization.svc"

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fixture wires a manager to in-memory collaborators.
type fixture struct {
	clock *mock.Clock
	id    *mock.Identity
	svc   *mock.Service
	conn  *mock.Connector
	logs  *logtest.Hook
	log   *logrus.Logger
}

func newFixture(t *testing.T, scheme orgsession.Scheme) *fixture {
	t.Helper()
	clock := mock.NewClock(epoch)
	id := mock.NewIdentity(scheme)
	id.Clock = clock.Now

	svc := mock.NewService()
	conn := mock.NewConnector(svc)
	conn.Authorize = id.Authorize

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	return &fixture{clock: clock, id: id, svc: svc, conn: conn, logs: hook, log: log}
}

func (f *fixture) config() orgsession.Config {
	return orgsession.Config{
		Resolver:  f.id,
		Exchanger: f.id,
		Registrar: f.id,
		Ambient:   f.id,
		Connector: f.conn,
		Clock:     f.clock.Now,
		Logger:    f.log,
	}
}

func (f *fixture) newManager(t *testing.T, creds *orgsession.Credentials) *orgsession.Manager {
	t.Helper()
	m, err := orgsession.New(context.Background(), serviceURL, creds, f.config())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (f *fixture) warnings() int {
	n := 0
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel {
			n++
		}
	}
	return n
}

func federated(t *testing.T) *orgsession.Credentials {
	t.Helper()
	c, err := orgsession.NewFederatedCredentials("alice@contoso.com", "secret", nil)
	if err != nil {
		t.Fatalf("NewFederatedCredentials() error = %v", err)
	}
	return c
}
