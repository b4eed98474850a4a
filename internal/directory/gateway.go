// Package directory authenticates users against an LDAP directory and runs
// attribute lookups and modifications on their behalf.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

var (
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	ErrNotFound             = errors.New("account not found")
	ErrUnauthorized         = errors.New("account not authorized")
	ErrInvalidCredentials   = errors.New("invalid credentials")
)

// AbsentMarker stands in for attributes that are missing or empty.
const AbsentMarker = "N/A"

const (
	AttrDistinguishedName = "distinguishedName"
	AttrMemberOf          = "memberOf"
	AttrLockoutTime       = "lockoutTime"
)

type Config struct {
	Endpoint        string
	BaseDN          string
	ServiceUser     string
	ServicePassword string
	RequiredGroup   string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// PoolIdle is how long an unused connection stays in an identity's pool.
	PoolIdle    time.Duration
	PoolMaxIdle int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 500 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.PoolIdle <= 0 {
		c.PoolIdle = 60 * time.Second
	}
	if c.PoolMaxIdle <= 0 {
		c.PoolMaxIdle = 4
	}
	return c
}

// AuthRequest carries everything one authentication needs.
type AuthRequest struct {
	Endpoint        string
	Username        string
	Password        string
	BaseDN          string
	ServiceUser     string
	ServicePassword string
	RequiredGroup   string
}

type Gateway struct {
	cfg    Config
	dialer Dialer
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewGateway builds a gateway. A nil dialer uses go-ldap with the configured
// timeouts.
func NewGateway(cfg Config, dialer Dialer, logger *zap.SugaredLogger) *Gateway {
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = NewLDAPDialer(cfg.ConnectTimeout, cfg.ReadTimeout)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gateway{cfg: cfg, dialer: dialer, logger: logger, now: time.Now}
}

// AuthenticateUser authenticates with the gateway's configured endpoint,
// service identity and required group.
func (g *Gateway) AuthenticateUser(ctx context.Context, username, password string) (*Identity, error) {
	return g.Authenticate(ctx, AuthRequest{
		Endpoint:        g.cfg.Endpoint,
		Username:        username,
		Password:        password,
		BaseDN:          g.cfg.BaseDN,
		ServiceUser:     g.cfg.ServiceUser,
		ServicePassword: g.cfg.ServicePassword,
		RequiredGroup:   g.cfg.RequiredGroup,
	})
}

// Authenticate binds as the service identity, locates the account, checks
// group membership and finally binds as the account itself. The connection
// that passed the credential check seeds the returned identity's pool.
func (g *Gateway) Authenticate(ctx context.Context, req AuthRequest) (*Identity, error) {
	username := NormalizeUsername(req.Username)
	if username == "" {
		return nil, ErrNotFound
	}
	// an empty password would be an unauthenticated bind, which succeeds
	if req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	conn, err := g.dialer.Dial(ctx, req.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDirectoryUnavailable, req.Endpoint, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = conn.Close()
		}
	}()

	if err := conn.Bind(req.ServiceUser, req.ServicePassword); err != nil {
		return nil, fmt.Errorf("%w: service bind: %v", ErrDirectoryUnavailable, err)
	}

	entry, err := findAccount(conn, req.BaseDN, username, []string{AttrDistinguishedName, AttrMemberOf})
	if err != nil {
		return nil, err
	}
	dn := firstValue(entry, AttrDistinguishedName)
	if dn == "" {
		dn = entry.DN
	}

	if req.RequiredGroup != "" && !memberOf(entry, req.RequiredGroup) {
		g.logger.Debugw("account not in required group", "username", username, "group", req.RequiredGroup)
		return nil, ErrUnauthorized
	}

	if err := conn.Bind(dn, req.Password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: user bind: %v", ErrDirectoryUnavailable, err)
	}

	id := &Identity{
		DN:          dn,
		Username:    username,
		password:    req.Password,
		endpoint:    req.Endpoint,
		baseDN:      req.BaseDN,
		dialer:      g.dialer,
		idleTimeout: g.cfg.PoolIdle,
		maxIdle:     g.cfg.PoolMaxIdle,
		logger:      g.logger,
		now:         g.now,
	}
	id.release(conn, true)
	keep = true

	g.logger.Debugw("authenticated", "username", username, "dn", dn)
	return id, nil
}

// findAccount runs the logon-name search and returns the first entry.
func findAccount(conn Conn, baseDN, username string, attrs []string) (*ldap.Entry, error) {
	res, err := conn.Search(ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		accountFilter(username),
		attrs,
		nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: search: %v", ErrDirectoryUnavailable, err)
	}
	if res == nil || len(res.Entries) == 0 {
		return nil, ErrNotFound
	}
	return res.Entries[0], nil
}

// attributeValues matches attribute names case-insensitively; servers are
// free to return memberOf as MemberOf.
func attributeValues(entry *ldap.Entry, name string) []string {
	for _, a := range entry.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a.Values
		}
	}
	return nil
}

func firstValue(entry *ldap.Entry, name string) string {
	if v := attributeValues(entry, name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// memberOf reports whether any memberOf value names group, either as the
// full group DN or as its leading CN. Comparison ignores case, as the
// directory does.
func memberOf(entry *ldap.Entry, group string) bool {
	for _, v := range attributeValues(entry, AttrMemberOf) {
		if strings.EqualFold(v, group) || strings.EqualFold(leadingCN(v), group) {
			return true
		}
	}
	return false
}

func leadingCN(dn string) string {
	if len(dn) < 3 || !strings.EqualFold(dn[:3], "CN=") {
		return ""
	}
	rest := dn[3:]
	if i := strings.IndexByte(rest, ','); i >= 0 {
		return rest[:i]
	}
	return rest
}
