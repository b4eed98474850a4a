package directory

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

const (
	testEndpoint   = "ldap://dc.test:389"
	testBaseDN     = "DC=corp,DC=test"
	testServiceDN  = "CN=svc,OU=Service,DC=corp,DC=test"
	testServicePwd = "svc-secret"
)

var samPattern = regexp.MustCompile(`sAMAccountName=([^)]*)`)

// fakeDirectory is an in-memory directory keyed by escaped logon name.
type fakeDirectory struct {
	mu        sync.Mutex
	entries   map[string]*ldap.Entry
	passwords map[string]string
	dialErr   error
	searchErr error
	modifyErr error

	dials    int
	closed   int
	filters  []string
	modified []*ldap.ModifyRequest
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		entries:   map[string]*ldap.Entry{},
		passwords: map[string]string{testServiceDN: testServicePwd},
	}
}

func (f *fakeDirectory) addUser(sam, dn, password string, attrs map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := map[string][]string{"distinguishedName": {dn}}
	for k, v := range attrs {
		all[k] = v
	}
	f.entries[EscapeFilter(sam)] = ldap.NewEntry(dn, all)
	f.passwords[dn] = password
}

func (f *fakeDirectory) Dial(ctx context.Context, endpoint string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.dials++
	return &fakeConn{dir: f}, nil
}

func (f *fakeDirectory) stats() (dials, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.closed
}

type fakeConn struct {
	dir   *fakeDirectory
	bound string
}

func (c *fakeConn) Bind(username, password string) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	want, ok := c.dir.passwords[username]
	if !ok || want != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	c.bound = username
	return nil
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	c.dir.filters = append(c.dir.filters, req.Filter)
	if c.dir.searchErr != nil {
		return nil, c.dir.searchErr
	}
	if c.bound == "" {
		return nil, ldap.NewError(ldap.LDAPResultOperationsError, errors.New("bind required"))
	}
	m := samPattern.FindStringSubmatch(req.Filter)
	res := &ldap.SearchResult{}
	if m != nil {
		if e, ok := c.dir.entries[m[1]]; ok {
			res.Entries = append(res.Entries, e)
		}
	}
	return res, nil
}

func (c *fakeConn) Modify(req *ldap.ModifyRequest) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	if c.dir.modifyErr != nil {
		return c.dir.modifyErr
	}
	c.dir.modified = append(c.dir.modified, req)
	return nil
}

func (c *fakeConn) Close() error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	c.dir.closed++
	return nil
}

func testConfig() Config {
	return Config{
		Endpoint:        testEndpoint,
		BaseDN:          testBaseDN,
		ServiceUser:     testServiceDN,
		ServicePassword: testServicePwd,
	}
}
