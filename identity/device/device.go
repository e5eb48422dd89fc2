// Package device stores the device credentials used by the consumer identity
// scheme in the operating system keyring.
//
// A device is registered once per issuer host and reused across sessions. The
// device secret is derived with HKDF-SHA256 from random seed material bound to
// the device ID and endpoint.
package device

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/blackwell-systems/orgsession"
)

const (
	// ServiceName is the keyring service devices are stored under.
	ServiceName = "orgsession-device"
	// DefaultKey names the registration used when no endpoint is given.
	DefaultKey = "default"

	keyPrefix  = "device:"
	secretSize = 32
	hkdfInfo   = "orgsession device secret v1"
)

// Record is the stored form of a registration.
type Record struct {
	DeviceID   string    `json:"device_id"`
	Secret     string    `json:"secret"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Registered time.Time `json:"registered"`
}

// Open opens the keyring used to persist device registrations. An empty
// allowed list lets the keyring pick any available backend.
func Open(allowed []keyring.BackendType, passwordFunc keyring.PromptFunc) (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		AllowedBackends:          allowed,
		KeychainTrustApplication: true,
		ServiceName:              ServiceName,
		LibSecretCollectionName:  "orgsession",
		FileDir:                  "~/.orgsession/devices/",
		FilePasswordFunc:         passwordFunc,
	})
}

// Registrar implements orgsession.DeviceRegistrar over a keyring.
type Registrar struct {
	ring  keyring.Keyring
	log   logrus.FieldLogger
	clock func() time.Time
	rand  io.Reader

	mu sync.Mutex
}

var _ orgsession.DeviceRegistrar = (*Registrar)(nil)

// NewRegistrar returns a Registrar storing devices in ring.
func NewRegistrar(ring keyring.Keyring, log logrus.FieldLogger) *Registrar {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registrar{ring: ring, log: log, clock: time.Now, rand: rand.Reader}
}

// LoadOrRegisterDevice returns the device registered for endpoint, creating
// and storing one on first use. Concurrent callers for the same endpoint
// observe the same device.
func (r *Registrar) LoadOrRegisterDevice(ctx context.Context, endpoint *url.URL) (*orgsession.DeviceCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := Key(endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(key)
	if err == nil {
		return &orgsession.DeviceCredential{DeviceID: rec.DeviceID, Secret: rec.Secret}, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("load device %s: %w", key, err)
	}

	rec, err = r.newRecord(endpoint)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode device: %w", err)
	}
	if err := r.ring.Set(keyring.Item{
		Key:         keyPrefix + key,
		Data:        data,
		Label:       "orgsession device " + key,
		Description: "device credential",
	}); err != nil {
		return nil, fmt.Errorf("store device %s: %w", key, err)
	}

	r.log.WithFields(logrus.Fields{
		orgsession.FieldDevice: rec.DeviceID,
		"key":                  key,
	}).Info("device registered")
	return &orgsession.DeviceCredential{DeviceID: rec.DeviceID, Secret: rec.Secret}, nil
}

// Lookup returns the stored record for endpoint.
func (r *Registrar) Lookup(endpoint *url.URL) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(Key(endpoint))
}

// Forget removes the registration for endpoint. Removing a registration that
// does not exist is not an error.
func (r *Registrar) Forget(endpoint *url.URL) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.ring.Remove(keyPrefix + Key(endpoint))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}

// Keys lists the registration keys held in the keyring.
func (r *Registrar) Keys() ([]string, error) {
	all, err := r.ring.Keys()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, keyPrefix) {
			keys = append(keys, strings.TrimPrefix(k, keyPrefix))
		}
	}
	return keys, nil
}

func (r *Registrar) load(key string) (*Record, error) {
	item, err := r.ring.Get(keyPrefix + key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode device %s: %w", key, err)
	}
	if rec.DeviceID == "" || rec.Secret == "" {
		return nil, fmt.Errorf("device %s: incomplete record", key)
	}
	return &rec, nil
}

func (r *Registrar) newRecord(endpoint *url.URL) (*Record, error) {
	id := NewDeviceID()

	seed := make([]byte, secretSize)
	if _, err := io.ReadFull(r.rand, seed); err != nil {
		return nil, fmt.Errorf("device seed: %w", err)
	}
	var ep string
	if endpoint != nil {
		ep = endpoint.String()
	}
	secret, err := DeriveSecret(seed, id, ep)
	if err != nil {
		return nil, err
	}
	return &Record{
		DeviceID:   id,
		Secret:     secret,
		Endpoint:   ep,
		Registered: r.clock().UTC(),
	}, nil
}

// Key returns the registration key for endpoint: its host, or DefaultKey.
func Key(endpoint *url.URL) string {
	if endpoint == nil || endpoint.Host == "" {
		return DefaultKey
	}
	return strings.ToLower(endpoint.Host)
}

// NewDeviceID returns a device ID in the issuer's "11" prefixed form.
func NewDeviceID() string {
	u := uuid.New()
	return "11" + hex.EncodeToString(u[:])[:20]
}

// DeriveSecret derives a hex encoded device secret from seed, salted with
// the device ID and bound to endpoint.
func DeriveSecret(seed []byte, deviceID, endpoint string) (string, error) {
	kdf := hkdf.New(sha256.New, seed, []byte(deviceID), []byte(hkdfInfo+"|"+endpoint))
	out := make([]byte, secretSize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return "", fmt.Errorf("derive device secret: %w", err)
	}
	return hex.EncodeToString(out), nil
}
