// Package userinfo turns raw directory attributes into the account summary
// shown to administrators.
package userinfo

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Attributes are read from the directory for every lookup, in this order.
// All but the last two are echoed back with lowercased keys.
var Attributes = []string{
	"badPasswordTime",
	"lastLogon",
	"pwdLastSet",
	"accountExpires",
	"employeeID",
	"displayName",
	"otherMailbox",
	"mailNickname",
	"lockoutTime",
	"badPwdCount",
	"memberOf",
	"userPrincipalName",
	"userAccountControl",
}

const (
	DateLayout = "01/02/2006 03:04:05 PM"

	Never   = "Never"
	Absent  = "N/A"
	NoLimit = "∞"

	// ADS_UF_DONT_EXPIRE_PASSWD
	dontExpirePassword = 0x00010000

	// 100ns ticks between 1601-01-01 and 1970-01-01, in milliseconds
	fileTimeEpochMillis = 11644473600000
	neverFileTime       = "9223372036854775807"
)

// timestamps are the attributes holding file-times.
var timestamps = map[string]bool{
	"badPasswordTime": true,
	"lastLogon":       true,
	"pwdLastSet":      true,
	"accountExpires":  true,
}

var cnPattern = regexp.MustCompile(`(?m)^CN=(.*?),`)

type Config struct {
	// MailDomain is appended to mailNickname, e.g. "@example.edu".
	MailDomain string
	// PasswordMaxAge is the number of days a password stays valid.
	PasswordMaxAge int
	Location       *time.Location
}

type Assembler struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Assembler {
	if cfg.PasswordMaxAge <= 0 {
		cfg.PasswordMaxAge = 143
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Assembler{cfg: cfg, now: time.Now}
}

// Build assembles the summary from attrs, keyed as in Attributes.
// Missing attributes count as absent.
func (a *Assembler) Build(attrs map[string]string) map[string]string {
	get := func(name string) string {
		v := attrs[name]
		if v == Absent {
			return ""
		}
		return v
	}

	out := make(map[string]string, len(Attributes)+1)
	out["passwordsettoexpire"], out["daysleft"] = a.passwordExpiry(get("pwdLastSet"), get("userAccountControl"))

	for _, name := range Attributes[:len(Attributes)-2] {
		v := get(name)
		switch {
		case timestamps[name]:
			v = a.formatFileTime(v)
		case name == "mailNickname":
			if v == "" {
				v = get("userPrincipalName")
			} else {
				v += a.cfg.MailDomain
			}
		case name == "memberOf":
			v = groupNames(v)
		}
		if v == "" {
			v = Absent
		}
		out[strings.ToLower(name)] = v
	}
	return out
}

// passwordExpiry returns the expiry date and the whole days left, or Never
// and ∞ when the password does not expire or was never set.
func (a *Assembler) passwordExpiry(pwdLastSet, userAccountControl string) (string, string) {
	flags, _ := strconv.ParseInt(userAccountControl, 10, 64)
	if flags&dontExpirePassword != 0 {
		return Never, NoLimit
	}
	set, ok := FileTime(pwdLastSet)
	if !ok {
		return Never, NoLimit
	}
	expires := set.AddDate(0, 0, a.cfg.PasswordMaxAge)
	days := int64(expires.Sub(a.now()) / (24 * time.Hour))
	return expires.In(a.cfg.Location).Format(DateLayout), strconv.FormatInt(days, 10)
}

func (a *Assembler) formatFileTime(raw string) string {
	if raw == "0" || raw == neverFileTime {
		return Never
	}
	t, ok := FileTime(raw)
	if !ok {
		return Absent
	}
	return t.In(a.cfg.Location).Format(DateLayout)
}

// FileTime decodes a Windows file-time: 100ns ticks since 1601-01-01 UTC.
// Zero, the maximum value and unparsable input report false.
func FileTime(raw string) (time.Time, bool) {
	if raw == "" || raw == "0" || raw == neverFileTime {
		return time.Time{}, false
	}
	ticks, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ticks < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ticks/10000 - fileTimeEpochMillis).UTC(), true
}

// groupNames reduces newline separated group DNs to their CN values.
func groupNames(memberOf string) string {
	if memberOf == "" {
		return ""
	}
	var b strings.Builder
	for _, m := range cnPattern.FindAllStringSubmatch(memberOf, -1) {
		b.WriteString(m[1])
		b.WriteString("<br/>")
	}
	return b.String()
}
