package m2m

import "strings"

// IsSPRelative reports whether an ID is in SP-relative form ("/csi/..." or
// just "/csi").
func IsSPRelative(id string) bool {
	return strings.HasPrefix(id, "/") && !strings.HasPrefix(id, "//")
}

// IsAbsolute reports whether an ID is in absolute form ("//spid/csi/...").
func IsAbsolute(id string) bool {
	return strings.HasPrefix(id, "//")
}

// ToSPRelative converts a CSE-relative ID to SP-relative form under the given
// CSE-ID. IDs that are already SP-relative or absolute are returned unchanged.
func ToSPRelative(csi, id string) string {
	if IsSPRelative(id) || IsAbsolute(id) {
		return id
	}
	return csi + "/" + id
}

// ToCSERelative strips the CSE-ID prefix from an SP-relative ID that belongs
// to the given CSE. Other IDs are returned unchanged.
func ToCSERelative(csi, id string) string {
	if strings.HasPrefix(id, csi+"/") {
		return id[len(csi)+1:]
	}
	return id
}

// IDFromOriginator strips the SP-relative prefix from an originator ("/csi/"
// or, without a further slash, just "/") so that "/id-in/Cae", "/Cae" and
// "Cae" compare equal.
func IDFromOriginator(originator string) string {
	if strings.HasPrefix(originator, "/") && !strings.HasPrefix(originator, "//") {
		if i := strings.IndexByte(originator[1:], '/'); i >= 0 {
			return originator[i+2:]
		}
		return originator[1:]
	}
	return originator
}

// CompareIDs reports whether two IDs refer to the same entity, ignoring the
// addressing form they are written in.
func CompareIDs(a, b string) bool {
	return IDFromOriginator(a) == IDFromOriginator(b)
}

// SimpleMatch matches a string against a simple wildcard pattern where '*'
// matches any run of characters and '?' matches exactly one.
func SimpleMatch(s, pattern string) bool {
	return matchHere(s, pattern)
}

func matchHere(s, p string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchHere(s[i:], p) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			s, p = s[1:], p[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			s, p = s[1:], p[1:]
		}
	}
	return len(s) == 0
}
