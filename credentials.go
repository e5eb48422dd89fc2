package orgsession

import (
	"fmt"
	"net/url"
	"strings"
)

// UserNameCredential is the username/password channel used by token schemes.
type UserNameCredential struct {
	Username string
	Password string
}

// empty reports whether neither field is set.
func (c UserNameCredential) empty() bool {
	return c.Username == "" && c.Password == ""
}

// NetworkCredential is an explicit integrated identity.
type NetworkCredential struct {
	Username string
	Password string
	Domain   string
}

// DeviceCredential is a registered device identity used as the supporting
// credential of the consumer identity scheme.
type DeviceCredential struct {
	DeviceID string
	Secret   string
}

// Credentials describes how to authenticate. Values returned by the
// constructors are validated and must not be mutated; the manager and call
// handles work on their own copies.
type Credentials struct {
	Scheme     Scheme
	UserName   UserNameCredential
	Windows    *NetworkCredential // nil means the ambient process identity
	HomeRealm  *url.URL
	Supporting *DeviceCredential
}

// NewIntegratedCredentials returns credentials for the integrated scheme. A
// nil windows credential uses the ambient process identity.
func NewIntegratedCredentials(windows *NetworkCredential) (*Credentials, error) {
	c := &Credentials{Scheme: SchemeIntegratedWindows}
	if windows != nil {
		w := *windows
		c.Windows = &w
	}
	return c, c.Validate()
}

// NewFederatedCredentials returns credentials for the federated scheme.
func NewFederatedCredentials(username, password string, homeRealm *url.URL) (*Credentials, error) {
	c := &Credentials{
		Scheme:    SchemeFederated,
		UserName:  UserNameCredential{Username: username, Password: password},
		HomeRealm: cloneURL(homeRealm),
	}
	return c, c.Validate()
}

// NewOnlineFederatedCredentials returns credentials for the online federated scheme.
func NewOnlineFederatedCredentials(username, password string, homeRealm *url.URL) (*Credentials, error) {
	c := &Credentials{
		Scheme:    SchemeOnlineFederated,
		UserName:  UserNameCredential{Username: username, Password: password},
		HomeRealm: cloneURL(homeRealm),
	}
	return c, c.Validate()
}

// NewConsumerIdentityCredentials returns credentials for the consumer identity
// scheme. A nil device is registered (or loaded) during authentication.
func NewConsumerIdentityCredentials(username, password string, device *DeviceCredential) (*Credentials, error) {
	c := &Credentials{
		Scheme:   SchemeConsumerIdentity,
		UserName: UserNameCredential{Username: username, Password: password},
	}
	if device != nil {
		d := *device
		c.Supporting = &d
	}
	return c, c.Validate()
}

// NewCredentials shapes a username/password pair for scheme. For the
// integrated scheme the pair becomes an explicit network credential; an
// empty username selects the ambient identity.
func NewCredentials(scheme Scheme, username, password, domain string, homeRealm *url.URL) (*Credentials, error) {
	switch scheme {
	case SchemeIntegratedWindows:
		if username == "" {
			return NewIntegratedCredentials(nil)
		}
		return NewIntegratedCredentials(&NetworkCredential{Username: username, Password: password, Domain: domain})
	case SchemeFederated:
		return NewFederatedCredentials(username, password, homeRealm)
	case SchemeOnlineFederated:
		return NewOnlineFederatedCredentials(username, password, homeRealm)
	case SchemeConsumerIdentity:
		return NewConsumerIdentityCredentials(username, password, nil)
	default:
		return nil, &UnsupportedSchemeError{Scheme: scheme}
	}
}

// Validate checks that the fields required by the scheme are present and
// that no material belonging to another scheme is set.
func (c *Credentials) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: credentials are nil", ErrConstruction)
	}
	switch c.Scheme {
	case SchemeIntegratedWindows:
		if !c.UserName.empty() {
			return fmt.Errorf("%w: %s uses integrated identity, username/password must be empty", ErrConstruction, c.Scheme)
		}
		if c.Supporting != nil {
			return fmt.Errorf("%w: %s does not take a device credential", ErrConstruction, c.Scheme)
		}
		if c.Windows != nil && c.Windows.Username == "" {
			return fmt.Errorf("%w: explicit network credential requires a username", ErrConstruction)
		}
	case SchemeFederated, SchemeOnlineFederated, SchemeConsumerIdentity:
		if c.UserName.Username == "" {
			return fmt.Errorf("%w: %s requires a username", ErrConstruction, c.Scheme)
		}
		if c.UserName.Password == "" {
			return fmt.Errorf("%w: %s requires a password", ErrConstruction, c.Scheme)
		}
		if c.Windows != nil {
			return fmt.Errorf("%w: %s does not take a network credential", ErrConstruction, c.Scheme)
		}
		if c.Supporting != nil && c.Scheme != SchemeConsumerIdentity {
			return fmt.Errorf("%w: %s does not take a device credential", ErrConstruction, c.Scheme)
		}
		if c.Supporting != nil && c.Supporting.DeviceID == "" {
			return fmt.Errorf("%w: device credential requires an id", ErrConstruction)
		}
		if c.HomeRealm != nil && !c.HomeRealm.IsAbs() {
			return fmt.Errorf("%w: home realm %q is not absolute", ErrConstruction, c.HomeRealm)
		}
	default:
		return &UnsupportedSchemeError{Scheme: c.Scheme}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	if c.Windows != nil {
		w := *c.Windows
		out.Windows = &w
	}
	if c.Supporting != nil {
		d := *c.Supporting
		out.Supporting = &d
	}
	out.HomeRealm = cloneURL(c.HomeRealm)
	return &out
}

// withDevice returns a copy carrying device as the supporting credential.
func (c *Credentials) withDevice(device *DeviceCredential) *Credentials {
	out := c.Clone()
	d := *device
	out.Supporting = &d
	return out
}

// String describes the credentials with secrets redacted.
func (c *Credentials) String() string {
	if c == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(c.Scheme.String())
	switch {
	case c.UserName.Username != "":
		fmt.Fprintf(&b, " user=%s password=********", c.UserName.Username)
	case c.Windows != nil:
		fmt.Fprintf(&b, " windows=%s\\%s password=********", c.Windows.Domain, c.Windows.Username)
	case c.Scheme == SchemeIntegratedWindows:
		b.WriteString(" ambient")
	}
	if c.HomeRealm != nil {
		fmt.Fprintf(&b, " realm=%s", c.HomeRealm)
	}
	if c.Supporting != nil {
		fmt.Fprintf(&b, " device=%s", c.Supporting.DeviceID)
	}
	return b.String()
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	return &out
}
