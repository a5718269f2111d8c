package security

import "regexp"

var identRegex = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]{0,63}$`)

func IsSafeIdentifier(value string) bool {
	return identRegex.MatchString(value)
}
