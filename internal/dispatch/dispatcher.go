// Package dispatch decodes client actions, runs them on the worker pool and
// sends the replies back over the originating channel.
package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-adlookup/internal/directory"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/session"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/suggest"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/userinfo"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/async"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/observability"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/utilities"
)

// Submitter runs tasks asynchronously; *async.WorkerPool satisfies it.
type Submitter interface {
	Submit(fn async.Task) error
}

type Dispatcher struct {
	registry    *session.Registry
	coordinator *suggest.Coordinator
	assembler   *userinfo.Assembler
	pool        Submitter
	logger      *zap.SugaredLogger
	metrics     *observability.Metrics
}

func New(registry *session.Registry, coordinator *suggest.Coordinator, assembler *userinfo.Assembler, pool Submitter, logger *zap.SugaredLogger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		registry:    registry,
		coordinator: coordinator,
		assembler:   assembler,
		pool:        pool,
		logger:      logger,
		metrics:     metrics,
	}
}

// Open registers a freshly connected channel.
func (d *Dispatcher) Open(channelID string, sender session.Sender) {
	d.registry.Open(channelID, sender)
	d.logger.Debugw("channel opened", "channel", channelID)
}

// Close unregisters a channel. Its login survives for reattachment.
func (d *Dispatcher) Close(channelID string) {
	d.registry.Close(channelID)
	d.logger.Debugw("channel closed", "channel", channelID)
}

// Handle decodes raw and queues the action. Malformed input is rejected
// before anything is queued.
func (d *Dispatcher) Handle(channelID string, raw []byte) error {
	req, err := Decode(raw)
	if err != nil {
		d.logger.Debugw("rejected request", "channel", channelID, "size", len(raw))
		return err
	}
	d.metrics.RecordAction(req.Action)
	requestID := utilities.NewKSUID()
	return d.pool.Submit(func(ctx context.Context) error {
		return d.process(ctx, channelID, requestID, req)
	})
}

func (d *Dispatcher) process(ctx context.Context, channelID, requestID string, req Request) error {
	log := d.logger.With("request_id", requestID, "channel", channelID, "action", req.Action)
	switch req.Action {
	case ActionLogin:
		d.login(ctx, log, channelID, req)
	case ActionCachedLogin:
		d.cachedLogin(ctx, log, channelID, req)
	case ActionLogout:
		d.registry.Logout(channelID)
		log.Debugw("logged out")
	case ActionKeepAlive:
		d.registry.Touch(channelID)
	case ActionUnlock:
		d.unlock(ctx, log, channelID, req)
	case ActionGetUserInfo:
		d.userInfo(ctx, log, channelID, req)
	case ActionSuggestion:
		return d.suggest(ctx, log, channelID, req)
	}
	return nil
}

func (d *Dispatcher) login(ctx context.Context, log *zap.SugaredLogger, channelID string, req Request) {
	token, err := d.registry.Login(ctx, channelID, req.Username, req.Password)
	if err != nil {
		log.Infow("login failed", "username", req.Username, "reason", reason(err))
		d.reply(ctx, log, channelID, Reply{Action: ReplyLoginResponse, Message: "fail"})
		return
	}
	d.reply(ctx, log, channelID, Reply{Action: ReplyLoginResponse, Message: "success", Token: token})
}

func (d *Dispatcher) cachedLogin(ctx context.Context, log *zap.SugaredLogger, channelID string, req Request) {
	if err := d.registry.LoginByToken(ctx, channelID, string(req.Token)); err != nil {
		log.Debugw("token login failed", "error", err)
		d.reply(ctx, log, channelID, Reply{Action: ActionCachedLogin, Message: "failed"})
		return
	}
	d.reply(ctx, log, channelID, Reply{Action: ReplyLoginResponse, Message: "success", Token: channelID})
}

func (d *Dispatcher) unlock(ctx context.Context, log *zap.SugaredLogger, channelID string, req Request) {
	lc, err := d.registry.Resolve(channelID)
	if err != nil {
		d.reply(ctx, log, channelID, Reply{Action: ReplyNoLogin})
		return
	}
	err = lc.Identity.SetAttribute(ctx, req.User, directory.AttrLockoutTime, "0")
	d.metrics.RecordDirectoryOp("unlock", err == nil)
	if err != nil {
		log.Warnw("unlock failed", "by", lc.Username, "target", req.User, "reason", reason(err))
		d.reply(ctx, log, channelID, Reply{Action: ReplyLocked})
		return
	}
	log.Infow("account unlocked", "by", lc.Username, "target", req.User)
	d.reply(ctx, log, channelID, Reply{Action: ReplyUnlocked})
}

func (d *Dispatcher) userInfo(ctx context.Context, log *zap.SugaredLogger, channelID string, req Request) {
	lc, err := d.registry.Resolve(channelID)
	if err != nil {
		d.reply(ctx, log, channelID, Reply{Action: ReplyNoLogin})
		return
	}
	attrs, err := lc.Identity.Search(ctx, userinfo.Attributes, req.User)
	d.metrics.RecordDirectoryOp("search", err == nil || errors.Is(err, directory.ErrNotFound))
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			log.Warnw("user lookup failed", "target", req.User, "error", err)
		}
		d.reply(ctx, log, channelID, Reply{Action: ReplyNoUser})
		return
	}
	info := d.assembler.Build(attrs)
	msg := make(map[string]string, len(info)+1)
	for k, v := range info {
		msg[k] = v
	}
	msg["action"] = ReplyUserInfo
	d.reply(ctx, log, channelID, msg)
}

func (d *Dispatcher) suggest(ctx context.Context, log *zap.SugaredLogger, channelID string, req Request) error {
	if req.User == "" {
		return nil
	}
	lc, err := d.registry.Resolve(channelID)
	if err != nil {
		return nil
	}
	sender, ok := d.registry.Sender(channelID)
	if !ok {
		return nil
	}
	_, err = d.coordinator.Search(ctx, lc.Coverage, req.User, req.SentAt(), func(rows []string) error {
		return sender.Send(ctx, SuggestionReply{Action: ActionSuggestion, Suggestion: rows})
	})
	if err != nil {
		log.Debugw("suggestion search aborted", "prefix", req.User, "error", err)
	}
	return err
}

func (d *Dispatcher) reply(ctx context.Context, log *zap.SugaredLogger, channelID string, msg any) {
	sender, ok := d.registry.Sender(channelID)
	if !ok {
		log.Debugw("reply dropped, channel gone")
		return
	}
	if err := sender.Send(ctx, msg); err != nil {
		log.Debugw("reply failed", "error", err)
	}
}

// reason reduces an error to a loggable category without leaking details.
func reason(err error) string {
	switch {
	case errors.Is(err, directory.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, directory.ErrNotFound):
		return "not_found"
	case errors.Is(err, directory.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, directory.ErrDirectoryUnavailable):
		return "directory_unavailable"
	default:
		return err.Error()
	}
}
