package timeline

import "strings"

// NormalizeGUID canonicalizes a chat guid of the form
// "Service;-;address" so that variant spellings of the same conversation
// compare equal. The service prefix is lowercased; phone addresses keep
// digits only, email addresses are lowercased.
func NormalizeGUID(guid string) string {
	i := strings.LastIndexByte(guid, ';')
	if i < 0 {
		return NormalizeAddress(guid)
	}
	return strings.ToLower(guid[:i+1]) + NormalizeAddress(guid[i+1:])
}

// NormalizeAddress canonicalizes a single handle address. Phone numbers
// reduce to their digits, which also collapses "+1..." and "1..." forms.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.ContainsRune(addr, '@') {
		return strings.ToLower(addr)
	}
	if phoneShaped(addr) {
		return digitsOf(addr)
	}
	return strings.ToLower(addr)
}

// phoneShaped reports whether addr contains at least one digit and only
// characters that appear in formatted phone numbers.
func phoneShaped(addr string) bool {
	hasDigit := false
	for _, r := range addr {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r == '+' || r == '-' || r == '(' || r == ')' || r == '.' || r == ' ':
		default:
			return false
		}
	}
	return hasDigit
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// guidAddress returns the address portion of a chat guid, or the whole
// guid when it carries no service prefix.
func guidAddress(guid string) string {
	if i := strings.LastIndexByte(guid, ';'); i >= 0 {
		return guid[i+1:]
	}
	return guid
}

// GUIDsMatch reports whether two chat guids refer to the same
// conversation. Exact normalized equality wins; for phone addresses a
// suffix match of at least seven digits handles differing country-code
// prefixes across services.
func GUIDsMatch(a, b string) bool {
	na, nb := NormalizeGUID(a), NormalizeGUID(b)
	if na == nb {
		return true
	}
	aa, ab := NormalizeAddress(guidAddress(a)), NormalizeAddress(guidAddress(b))
	if aa == ab && aa != "" {
		return true
	}
	if !phoneShaped(aa) || !phoneShaped(ab) {
		return false
	}
	if len(aa) < 7 || len(ab) < 7 {
		return false
	}
	if len(aa) > len(ab) {
		aa, ab = ab, aa
	}
	return strings.HasSuffix(ab, aa)
}

// MatchesChat reports whether eventChatGUID belongs to any of the merged
// conversation's identifiers.
func MatchesChat(eventChatGUID string, chatGUIDs []string) bool {
	for _, g := range chatGUIDs {
		if GUIDsMatch(eventChatGUID, g) {
			return true
		}
	}
	return false
}
