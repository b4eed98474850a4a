// Package session tracks client channels and the authenticated logins
// attached to them.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-adlookup/internal/suggest"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/observability"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/utilities"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNotLoggedIn  = errors.New("not logged in")
)

// TokenLength is the length of a reattachment token as sent by clients: a
// 36 character channel id wrapped in one character on each side.
const TokenLength = 38

// Sender writes one message to a client channel.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// Identity is an authenticated directory account.
type Identity interface {
	Search(ctx context.Context, attrs []string, username string) (map[string]string, error)
	SetAttribute(ctx context.Context, username, attribute, value string) error
	Close() error
}

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (Identity, error) {
	return f(ctx, username, password)
}

// LoginContext is one successful authentication: the directory identity
// and the record of suggestions already delivered through it.
type LoginContext struct {
	ID        string
	Username  string
	Identity  Identity
	Coverage  *suggest.Coverage
	CreatedAt time.Time

	mu     sync.Mutex
	owner  string
	closed bool
}

func (lc *LoginContext) setOwner(channelID string) {
	lc.mu.Lock()
	lc.owner = channelID
	lc.mu.Unlock()
}

// release closes the identity if channelID still owns the context.
func (lc *LoginContext) release(channelID string) bool {
	lc.mu.Lock()
	if lc.owner != channelID || lc.closed {
		lc.mu.Unlock()
		return false
	}
	lc.closed = true
	lc.mu.Unlock()
	return true
}

func (lc *LoginContext) isClosed() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.closed
}

// Registry maps channel ids to senders and to login contexts. Logins expire
// after Timeout without activity; expiry closes the directory identity.
type Registry struct {
	auth    Authenticator
	logger  *zap.SugaredLogger
	metrics *observability.Metrics

	// guards channels and every mutation of logins
	mu       sync.Mutex
	channels map[string]Sender
	logins   *expirable.LRU[string, *LoginContext]
}

func NewRegistry(auth Authenticator, timeout time.Duration, logger *zap.SugaredLogger, metrics *observability.Metrics) *Registry {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{
		auth:     auth,
		logger:   logger,
		metrics:  metrics,
		channels: make(map[string]Sender),
	}
	r.logins = expirable.NewLRU[string, *LoginContext](0, r.evicted, timeout)
	return r
}

// evicted runs under the LRU lock; it must not call back into the LRU.
func (r *Registry) evicted(channelID string, lc *LoginContext) {
	if !lc.release(channelID) {
		return
	}
	r.metrics.RecordEviction()
	r.logger.Debugw("login context destroyed", "login_id", lc.ID, "username", lc.Username, "channel", channelID)
	go func() {
		if err := lc.Identity.Close(); err != nil {
			r.logger.Warnw("close directory identity", "login_id", lc.ID, "error", err)
		}
	}()
}

// Open registers a new channel.
func (r *Registry) Open(channelID string, sender Sender) {
	r.mu.Lock()
	r.channels[channelID] = sender
	r.mu.Unlock()
	r.metrics.ChannelOpened()
}

// Close forgets the channel. Its login context stays until it expires so a
// reconnecting client can reattach with the channel id as token.
func (r *Registry) Close(channelID string) {
	r.mu.Lock()
	_, ok := r.channels[channelID]
	delete(r.channels, channelID)
	r.mu.Unlock()
	if ok {
		r.metrics.ChannelClosed()
	}
}

// Sender returns the sender of an open channel.
func (r *Registry) Sender(channelID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.channels[channelID]
	return s, ok
}

// Login authenticates and attaches a fresh login context to channelID. The
// returned token is the channel id. A login already on the channel is
// replaced and closed.
func (r *Registry) Login(ctx context.Context, channelID, username, password string) (string, error) {
	id, err := r.auth.Authenticate(ctx, username, password)
	if err != nil {
		r.metrics.RecordLogin("password", false)
		return "", err
	}
	lc := &LoginContext{
		ID:        utilities.NewSnowflakeID(),
		Username:  username,
		Identity:  id,
		Coverage:  suggest.NewCoverage(),
		CreatedAt: time.Now(),
		owner:     channelID,
	}

	r.mu.Lock()
	r.attachLocked(channelID, lc)
	r.mu.Unlock()

	r.metrics.RecordLogin("password", true)
	r.logger.Infow("login", "login_id", lc.ID, "username", username, "channel", channelID)
	return channelID, nil
}

// LoginByToken moves the login context held under a previous channel id to
// channelID. rawToken is the token as the client sent it, wrapping
// characters included.
func (r *Registry) LoginByToken(ctx context.Context, channelID, rawToken string) error {
	if len(rawToken) != TokenLength {
		r.metrics.RecordLogin("token", false)
		return ErrInvalidToken
	}
	token := rawToken[1 : TokenLength-1]

	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.logins.Get(token)
	if !ok || lc.isClosed() {
		r.metrics.RecordLogin("token", false)
		return ErrInvalidToken
	}
	if token != channelID {
		lc.setOwner(channelID)
		r.attachLocked(channelID, lc)
		r.logins.Remove(token)
		// the previous channel no longer receives broadcasts
		if _, open := r.channels[token]; open {
			delete(r.channels, token)
			r.metrics.ChannelClosed()
		}
	} else {
		r.logins.Add(channelID, lc)
	}

	r.metrics.RecordLogin("token", true)
	r.logger.Infow("login reattached", "login_id", lc.ID, "username", lc.Username, "from", token, "channel", channelID)
	return nil
}

// attachLocked stores lc under channelID, closing a different context that
// was there before. The LRU does not report replaced values.
func (r *Registry) attachLocked(channelID string, lc *LoginContext) {
	prev, had := r.logins.Peek(channelID)
	r.logins.Add(channelID, lc)
	if had && prev != lc && prev.release(channelID) {
		r.metrics.RecordEviction()
		go func() { _ = prev.Identity.Close() }()
	}
}

// Logout destroys the channel's login context. The channel stays open.
func (r *Registry) Logout(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logins.Remove(channelID)
}

// Resolve returns the channel's login context and refreshes its expiry.
func (r *Registry) Resolve(channelID string) (*LoginContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.logins.Get(channelID)
	if !ok {
		return nil, ErrNotLoggedIn
	}
	r.logins.Add(channelID, lc)
	// expired between Get and Add
	if lc.isClosed() {
		r.logins.Remove(channelID)
		return nil, ErrNotLoggedIn
	}
	return lc, nil
}

// Touch refreshes the expiry of the channel's login, if any.
func (r *Registry) Touch(channelID string) bool {
	_, err := r.Resolve(channelID)
	return err == nil
}

// ClearCoverage forgets delivered suggestions for every login.
func (r *Registry) ClearCoverage() {
	for _, lc := range r.logins.Values() {
		lc.Coverage.Reset()
	}
}

// Broadcast sends msg to every open channel and returns how many sends
// succeeded.
func (r *Registry) Broadcast(ctx context.Context, msg any) int {
	r.mu.Lock()
	targets := make(map[string]Sender, len(r.channels))
	for id, s := range r.channels {
		targets[id] = s
	}
	r.mu.Unlock()

	sent := 0
	for id, s := range targets {
		if err := s.Send(ctx, msg); err != nil {
			r.logger.Debugw("broadcast failed", "channel", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Logins returns the number of live login contexts.
func (r *Registry) Logins() int {
	return r.logins.Len()
}

// Shutdown destroys every login context.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins.Purge()
}
