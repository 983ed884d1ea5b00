package relational

import "strings"

// StatementKind is the coarse classification of a SQL statement used to
// decide which delegated roles may execute it.
type StatementKind string

const (
	KindSelect   StatementKind = "SELECT"
	KindInsert   StatementKind = "INSERT"
	KindUpdate   StatementKind = "UPDATE"
	KindDelete   StatementKind = "DELETE"
	KindCreate   StatementKind = "CREATE"
	KindDrop     StatementKind = "DROP"
	KindTruncate StatementKind = "TRUNCATE"
	KindOther    StatementKind = "OTHER"
)

// Classify determines a statement's kind by inspecting its first
// non-comment keyword. This is deliberately conservative: a leading
// `WITH` (any CTE) and an anonymous `DO` block both classify as OTHER
// because their effective trailing statement isn't inspected, and OTHER
// requires the highest role capability.
func Classify(sql string) StatementKind {
	word := firstKeyword(sql)
	switch word {
	case "SELECT":
		return KindSelect
	case "INSERT":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	case "CREATE":
		return KindCreate
	case "DROP":
		return KindDrop
	case "TRUNCATE":
		return KindTruncate
	default:
		return KindOther
	}
}

// firstKeyword strips leading whitespace and comments (both `--` line
// comments and `/* ... */` block comments) and returns the first
// whitespace-delimited token, uppercased.
func firstKeyword(sql string) string {
	s := sql
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			if idx := strings.IndexByte(s, '\n'); idx >= 0 {
				s = s[idx+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = s[idx+2:]
				continue
			}
			return ""
		}
		break
	}

	end := strings.IndexAny(s, " \t\r\n(;")
	if end < 0 {
		end = len(s)
	}
	return strings.ToUpper(s[:end])
}
