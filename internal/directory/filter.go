package directory

import "strings"

var filterEscaper = strings.NewReplacer(
	`\`, `\5c`,
	`*`, `\2a`,
	`(`, `\28`,
	`)`, `\29`,
	"\x00", `\00`,
)

// EscapeFilter escapes a value for use inside an LDAP search filter
// (RFC 4515). Every value taken from a client passes through here.
func EscapeFilter(raw string) string {
	return filterEscaper.Replace(raw)
}

// NormalizeUsername is applied to every logon name before it reaches a
// filter, for authentication and lookups alike.
func NormalizeUsername(raw string) string {
	return strings.TrimSpace(raw)
}

func accountFilter(username string) string {
	return "(&(objectClass=user)(sAMAccountName=" + EscapeFilter(username) + "))"
}
