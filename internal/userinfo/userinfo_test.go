package userinfo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-15 12:00:00 UTC
const jan15 = "133497936000000000"

func newTestAssembler(now time.Time) *Assembler {
	a := New(Config{MailDomain: "@example.edu", PasswordMaxAge: 143, Location: time.UTC})
	a.now = func() time.Time { return now }
	return a
}

func TestFileTime(t *testing.T) {
	got, ok := FileTime(jan15)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), got)

	for _, raw := range []string{"", "0", "9223372036854775807", "N/A", "-5"} {
		_, ok := FileTime(raw)
		assert.False(t, ok, raw)
	}
}

func TestBuild_Full(t *testing.T) {
	a := newTestAssembler(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	got := a.Build(map[string]string{
		"badPasswordTime":    "0",
		"lastLogon":          jan15,
		"pwdLastSet":         jan15,
		"accountExpires":     "9223372036854775807",
		"employeeID":         "12345",
		"displayName":        "Alice Smith",
		"otherMailbox":       "alice@home.test",
		"mailNickname":       "asmith",
		"lockoutTime":        "0",
		"badPwdCount":        "2",
		"memberOf":           "CN=Helpdesk,OU=Groups,DC=corp,DC=test\nCN=Staff,OU=Groups,DC=corp,DC=test",
		"userPrincipalName":  "asmith@corp.test",
		"userAccountControl": "512",
	})

	assert.Equal(t, map[string]string{
		"badpasswordtime":     Never,
		"lastlogon":           "01/15/2024 12:00:00 PM",
		"pwdlastset":          "01/15/2024 12:00:00 PM",
		"accountexpires":      Never,
		"employeeid":          "12345",
		"displayname":         "Alice Smith",
		"othermailbox":        "alice@home.test",
		"mailnickname":        "asmith@example.edu",
		"lockouttime":         "0",
		"badpwdcount":         "2",
		"memberof":            "Helpdesk<br/>Staff<br/>",
		"passwordsettoexpire": "06/06/2024 12:00:00 PM",
		"daysleft":            "5",
	}, got)
}

func TestBuild_PasswordNeverExpires(t *testing.T) {
	a := newTestAssembler(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	got := a.Build(map[string]string{
		"pwdLastSet":         jan15,
		"userAccountControl": "66048", // 0x10200
	})
	assert.Equal(t, Never, got["passwordsettoexpire"])
	assert.Equal(t, NoLimit, got["daysleft"])
}

func TestBuild_ExpiredPasswordHasNegativeDays(t *testing.T) {
	a := newTestAssembler(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))

	got := a.Build(map[string]string{"pwdLastSet": jan15, "userAccountControl": "512"})
	assert.Equal(t, "-3", got["daysleft"])
}

func TestBuild_AbsentValues(t *testing.T) {
	a := newTestAssembler(time.Now())

	got := a.Build(map[string]string{
		"mailNickname":      Absent,
		"userPrincipalName": "bob@corp.test",
		"memberOf":          Absent,
		"lastLogon":         Absent,
	})
	assert.Equal(t, "bob@corp.test", got["mailnickname"], "falls back to the principal name")
	assert.Equal(t, Absent, got["memberof"])
	assert.Equal(t, Absent, got["lastlogon"])
	assert.Equal(t, Absent, got["displayname"])
	assert.Equal(t, Never, got["passwordsettoexpire"])
	assert.Equal(t, NoLimit, got["daysleft"])
	assert.NotContains(t, got, "userprincipalname")
	assert.NotContains(t, got, "useraccountcontrol")
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "", groupNames(""))
	assert.Equal(t, "A<br/>", groupNames("CN=A,DC=x"))
	assert.Equal(t, "", groupNames("OU=Nope,DC=x"))
}
