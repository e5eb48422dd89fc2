// orgsession-fanout
//
// Authenticates once, asks the service who the caller is, then issues many
// RetrieveMultiple calls in parallel, each on its own call handle. The
// identity provider and organization service are the in-memory ones from the
// mock package, so the tool runs without network access.
//
// Usage:
//
//	orgsession-fanout -n 100 -scheme OnlineFederated
//	orgsession-fanout -config ~/.config/orgsession.yaml
//
// Environment Variables:
//
//	ORGSESSION_FANOUT_N          - Parallel queries (default: 100)
//	ORGSESSION_FANOUT_SCHEME     - Authentication scheme (default: OnlineFederated)
//	ORGSESSION_FANOUT_LOG_LEVEL  - Log level: debug, info, warn, error (default: info)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blackwell-systems/orgsession"
	_ "github.com/blackwell-systems/orgsession/credsource/awssecrets"
	_ "github.com/blackwell-systems/orgsession/credsource/azurekeyvault"
	_ "github.com/blackwell-systems/orgsession/credsource/gcpsecrets"
	_ "github.com/blackwell-systems/orgsession/credsource/keyring"
	_ "github.com/blackwell-systems/orgsession/credsource/pass"
	"github.com/blackwell-systems/orgsession/mock"
)

const defaultServiceURL = "https://contoso.crm.dynamics.com/XRMServices/2011/Organization.svc"

var (
	n          = flag.Int("n", getEnvInt("ORGSESSION_FANOUT_N", 100), "Number of parallel queries")
	scheme     = flag.String("scheme", getEnv("ORGSESSION_FANOUT_SCHEME", "OnlineFederated"), "Authentication scheme the mock service publishes")
	configPath = flag.String("config", getEnv("ORGSESSION_FANOUT_CONFIG", ""), "YAML config file (service URL and credential source)")
	username   = flag.String("user", "alice@contoso.com", "Username when no config file is given")
	password   = flag.String("password", "secret", "Password when no config file is given")
	latency    = flag.Duration("latency", 5*time.Millisecond, "Simulated service latency per call")
	limit      = flag.Int("concurrency", 0, "Maximum calls in flight (0 = unbounded)")
	logLevel   = flag.String("log-level", getEnv("ORGSESSION_FANOUT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
)

type options struct {
	ServiceURL  string
	Scheme      orgsession.Scheme
	Source      orgsession.SourceConfig
	Queries     int
	Concurrency int
	Latency     time.Duration
	Config      orgsession.Config
}

type report struct {
	UserID   string
	Results  int
	Exchange int64
	Elapsed  time.Duration
}

func main() {
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

	s, err := orgsession.ParseScheme(*scheme)
	if err != nil {
		log.Fatalf("Invalid scheme: %v", err)
	}

	opts := options{
		ServiceURL:  defaultServiceURL,
		Scheme:      s,
		Queries:     *n,
		Concurrency: *limit,
		Latency:     *latency,
		Source: orgsession.SourceConfig{
			Kind:    orgsession.SourceStatic,
			Options: map[string]string{"username": *username, "password": *password},
		},
		Config: orgsession.Config{Logger: log},
	}

	if *configPath != "" {
		fc, err := orgsession.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		opts.ServiceURL = fc.ServiceURL
		opts.Source = fc.SourceConfig()
		if fc.Concurrency > 0 && opts.Concurrency == 0 {
			opts.Concurrency = fc.Concurrency
		}
		if opts.Config, err = fc.Apply(opts.Config); err != nil {
			log.Fatalf("Failed to apply config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := run(ctx, opts, log)
	if err != nil {
		log.Fatalf("Fan-out failed: %v", err)
	}
	fmt.Printf("user %s: %d queries in %v (%d token exchanges)\n", rep.UserID, rep.Results, rep.Elapsed.Round(time.Millisecond), rep.Exchange)
}

// run authenticates against in-memory collaborators, calls WhoAmI, and fans
// out opts.Queries RetrieveMultiple calls.
func run(ctx context.Context, opts options, log logrus.FieldLogger) (*report, error) {
	identity := mock.NewIdentity(opts.Scheme)
	svc := mock.NewService()
	svc.Seed("account", opts.Queries)
	svc.Latency = opts.Latency

	conn := mock.NewConnector(svc)
	conn.Authorize = identity.Authorize

	cfg := opts.Config
	cfg.Resolver = identity
	cfg.Exchanger = identity
	cfg.Registrar = identity
	cfg.Ambient = identity
	cfg.Connector = conn

	src, err := orgsession.NewCredentialSource(opts.Source)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	start := time.Now()
	mgr, err := orgsession.NewFromSource(ctx, opts.ServiceURL, src, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mgr.Close() }()

	log.WithFields(logrus.Fields{
		orgsession.FieldScheme:  mgr.Scheme(),
		orgsession.FieldService: mgr.ServiceURL(),
		"online":                mgr.IsOnline(),
	}).Info("session established")

	h, err := mgr.GetCallHandle(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := h.Execute(ctx, orgsession.NewWhoAmIRequest())
	if err != nil {
		return nil, fmt.Errorf("WhoAmI: %w", err)
	}
	userID, err := orgsession.WhoAmIUserID(resp)
	if err != nil {
		return nil, err
	}
	log.WithField("user_id", userID).Info("WhoAmI")

	d := orgsession.NewDispatcher(int64(opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	counts := make([]int, opts.Queries)
	for i := 0; i < opts.Queries; i++ {
		i := i
		g.Go(func() error {
			h, err := mgr.GetCallHandle(gctx)
			if err != nil {
				return err
			}
			f := orgsession.Submit(gctx, d, func(ctx context.Context) (*orgsession.EntityCollection, error) {
				return h.RetrieveMultiple(ctx, &orgsession.Query{
					EntityName: "account",
					ColumnSet:  orgsession.NewColumnSet("name"),
					Criteria:   []orgsession.Condition{{Attribute: "index", Value: i}},
				})
			})
			coll, err := f.Await(gctx)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			counts[i] = len(coll.Entities)
			log.WithField("query", i).Debugf("%d records", counts[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	return &report{
		UserID:   userID.String(),
		Results:  total,
		Exchange: identity.Exchanges(),
		Elapsed:  time.Since(start),
	}, nil
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
