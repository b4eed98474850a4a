package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

var errIdentityClosed = errors.New("identity closed")

// Identity is an authenticated directory account. It keeps a small pool of
// connections bound as that account; all channels of one login share it.
type Identity struct {
	DN       string
	Username string

	password    string
	endpoint    string
	baseDN      string
	dialer      Dialer
	idleTimeout time.Duration
	maxIdle     int
	logger      *zap.SugaredLogger
	now         func() time.Time

	mu     sync.Mutex
	idle   []pooledConn
	closed bool

	// serializes modifications
	modifyMu sync.Mutex
}

type pooledConn struct {
	conn  Conn
	since time.Time
}

// Search looks up username and returns the requested attributes, values
// joined by "\n". Missing or empty attributes map to AbsentMarker.
func (id *Identity) Search(ctx context.Context, attrs []string, username string) (map[string]string, error) {
	entry, err := id.lookup(ctx, username, attrs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		v := strings.Join(attributeValues(entry, a), "\n")
		if v == "" && strings.EqualFold(a, AttrDistinguishedName) {
			v = entry.DN
		}
		if v == "" {
			v = AbsentMarker
		}
		out[a] = v
	}
	return out, nil
}

// SetAttribute replaces a single attribute of username's account.
// Modifications through one identity never interleave.
func (id *Identity) SetAttribute(ctx context.Context, username, attribute, value string) error {
	id.modifyMu.Lock()
	defer id.modifyMu.Unlock()

	entry, err := id.lookup(ctx, username, []string{AttrDistinguishedName})
	if err != nil {
		return err
	}
	dn := firstValue(entry, AttrDistinguishedName)
	if dn == "" {
		dn = entry.DN
	}

	conn, err := id.acquire(ctx)
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace(attribute, []string{value})
	if err := conn.Modify(req); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights) {
			id.release(conn, true)
			return ErrUnauthorized
		}
		id.release(conn, false)
		return fmt.Errorf("%w: modify %s: %v", ErrDirectoryUnavailable, attribute, err)
	}
	id.release(conn, true)

	id.logger.Debugw("attribute replaced", "by", id.Username, "target", username, "attribute", attribute)
	return nil
}

// Unlock clears the lockout of username's account.
func (id *Identity) Unlock(ctx context.Context, username string) error {
	return id.SetAttribute(ctx, username, AttrLockoutTime, "0")
}

// Close releases every pooled connection. Later operations fail with
// ErrDirectoryUnavailable.
func (id *Identity) Close() error {
	id.mu.Lock()
	if id.closed {
		id.mu.Unlock()
		return nil
	}
	id.closed = true
	idle := id.idle
	id.idle = nil
	id.mu.Unlock()

	for _, pc := range idle {
		_ = pc.conn.Close()
	}
	return nil
}

func (id *Identity) lookup(ctx context.Context, username string, attrs []string) (*ldap.Entry, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return nil, ErrNotFound
	}
	conn, err := id.acquire(ctx)
	if err != nil {
		return nil, err
	}
	entry, err := findAccount(conn, id.baseDN, username, attrs)
	// a not-found answer still proves the connection healthy
	id.release(conn, err == nil || errors.Is(err, ErrNotFound))
	return entry, err
}

// acquire hands out an idle connection, dialing and binding a new one when
// the pool is empty. Connections idle longer than idleTimeout are dropped.
func (id *Identity) acquire(ctx context.Context) (Conn, error) {
	id.mu.Lock()
	if id.closed {
		id.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, errIdentityClosed)
	}
	now := id.now()
	var stale []Conn
	var conn Conn
	fresh := id.idle[:0]
	for _, pc := range id.idle {
		if now.Sub(pc.since) > id.idleTimeout {
			stale = append(stale, pc.conn)
			continue
		}
		fresh = append(fresh, pc)
	}
	id.idle = fresh
	if n := len(id.idle); n > 0 {
		conn = id.idle[n-1].conn
		id.idle = id.idle[:n-1]
	}
	id.mu.Unlock()

	for _, c := range stale {
		_ = c.Close()
	}
	if len(stale) > 0 {
		id.logger.Debugw("evicted idle directory connections", "username", id.Username, "count", len(stale))
	}
	if conn != nil {
		return conn, nil
	}

	conn, err := id.dialer.Dial(ctx, id.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDirectoryUnavailable, id.endpoint, err)
	}
	if err := conn.Bind(id.DN, id.password); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: rebind: %v", ErrDirectoryUnavailable, err)
	}
	return conn, nil
}

// release returns conn to the pool, or closes it when it failed, the pool is
// full or the identity is closed.
func (id *Identity) release(conn Conn, healthy bool) {
	if !healthy {
		_ = conn.Close()
		return
	}
	id.mu.Lock()
	if id.closed || len(id.idle) >= id.maxIdle {
		id.mu.Unlock()
		_ = conn.Close()
		return
	}
	id.idle = append(id.idle, pooledConn{conn: conn, since: id.now()})
	id.mu.Unlock()
}

func (id *Identity) idleCount() int {
	id.mu.Lock()
	defer id.mu.Unlock()
	return len(id.idle)
}
