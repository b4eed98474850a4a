package directory

import (
	"context"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of an LDAP connection the gateway uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Modify(req *ldap.ModifyRequest) error
	Close() error
}

// Dialer opens connections to a directory endpoint such as
// ldaps://dc.example.com:636.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// NewLDAPDialer returns a Dialer backed by go-ldap. connectTimeout bounds the
// TCP handshake, readTimeout every request on the connection.
func NewLDAPDialer(connectTimeout, readTimeout time.Duration) Dialer {
	return ldapDialer{connectTimeout: connectTimeout, readTimeout: readTimeout}
}

type ldapDialer struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
}

func (d ldapDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nd := &net.Dialer{Timeout: d.connectTimeout}
	c, err := ldap.DialURL(endpoint, ldap.DialWithDialer(nd))
	if err != nil {
		return nil, err
	}
	if d.readTimeout > 0 {
		c.SetTimeout(d.readTimeout)
	}
	return &ldapConn{c: c}, nil
}

type ldapConn struct {
	c *ldap.Conn
}

func (l *ldapConn) Bind(username, password string) error { return l.c.Bind(username, password) }

func (l *ldapConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return l.c.Search(req)
}

func (l *ldapConn) Modify(req *ldap.ModifyRequest) error { return l.c.Modify(req) }

func (l *ldapConn) Close() error {
	l.c.Close()
	return nil
}
