package dispatch

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrMalformed = errors.New("malformed request")

// inbound actions
const (
	ActionLogin       = "login"
	ActionCachedLogin = "cachedlogin"
	ActionLogout      = "logout"
	ActionUnlock      = "unlock"
	ActionGetUserInfo = "getuserinfo"
	ActionSuggestion  = "suggestion"
	ActionKeepAlive   = "keepalive"
)

// outbound actions
const (
	ReplyLoginResponse = "loginresponse"
	ReplyLocked        = "locked"
	ReplyUnlocked      = "unlocked"
	ReplyNoLogin       = "nologin"
	ReplyUserInfo      = "userinfo"
	ReplyNoUser        = "nouser"
)

// Request is one inbound client message. Token stays raw so that a quoted
// token keeps its quotes.
type Request struct {
	Action    string          `json:"action"`
	Username  string          `json:"username,omitempty"`
	Password  string          `json:"password,omitempty"`
	User      string          `json:"user,omitempty"`
	Timestamp json.Number     `json:"timestamp,omitempty"`
	Token     json.RawMessage `json:"token,omitempty"`
}

// Reply carries an action tag and, for some actions, a message.
type Reply struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

type SuggestionReply struct {
	Action     string   `json:"action"`
	Suggestion []string `json:"suggestion"`
}

var keepAlive = Reply{Action: ActionKeepAlive}

// Decode parses and validates raw. Anything that is not a JSON object with
// a known action and the non-empty fields that action needs yields
// ErrMalformed.
func Decode(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, ErrMalformed
	}
	switch req.Action {
	case ActionLogout, ActionKeepAlive:
		return req, nil
	case ActionLogin:
		if strings.TrimSpace(req.Username) == "" || req.Password == "" {
			return Request{}, ErrMalformed
		}
		return req, nil
	case ActionCachedLogin:
		if len(req.Token) == 0 || string(req.Token) == "null" {
			return Request{}, ErrMalformed
		}
		return req, nil
	case ActionUnlock, ActionGetUserInfo:
		if strings.TrimSpace(req.User) == "" {
			return Request{}, ErrMalformed
		}
		return req, nil
	case ActionSuggestion:
		if req.User == "" {
			return Request{}, ErrMalformed
		}
		if _, err := req.Timestamp.Int64(); err != nil {
			if _, ferr := req.Timestamp.Float64(); ferr != nil {
				return Request{}, ErrMalformed
			}
		}
		return req, nil
	default:
		return Request{}, ErrMalformed
	}
}

// SentAt converts the client's millisecond timestamp.
func (r Request) SentAt() time.Time {
	if ms, err := r.Timestamp.Int64(); err == nil {
		return time.UnixMilli(ms)
	}
	if f, err := strconv.ParseFloat(string(r.Timestamp), 64); err == nil {
		return time.UnixMilli(int64(f))
	}
	return time.Time{}
}
