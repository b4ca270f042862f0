package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// mutatingKeywords may not appear anywhere in a query or predicate that is
// supposed to be read-only.
var mutatingKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "ALTER": true, "CREATE": true, "TRUNCATE": true, "RENAME": true,
	"GRANT": true, "REVOKE": true, "ATTACH": true, "DETACH": true, "PRAGMA": true,
	"VACUUM": true, "REINDEX": true, "ANALYZE": true, "COPY": true, "CALL": true,
	"EXEC": true, "EXECUTE": true, "BEGIN": true, "COMMIT": true, "ROLLBACK": true,
	"SAVEPOINT": true, "LOCK": true, "SET": true,
}

// predicateKeywords are additionally rejected inside a row filter, which must
// stay a plain boolean expression over the filtered table.
var predicateKeywords = map[string]bool{
	"SELECT": true, "UNION": true, "INTERSECT": true, "EXCEPT": true, "INTO": true,
}

var wordRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// CheckReadOnlyQuery accepts a single SELECT, WITH or VALUES statement that
// contains no mutating keyword. A trailing semicolon is tolerated.
func CheckReadOnlyQuery(query string) error {
	q := strings.TrimSuffix(strings.TrimSpace(query), ";")
	if strings.TrimSpace(q) == "" {
		return NewSubSystemError("task", "CheckReadOnlyQuery", ErrInvalidInput, "query is empty")
	}
	words, err := sqlWords(q)
	if err != nil {
		return err
	}
	switch words[0] {
	case "SELECT", "WITH", "VALUES":
	default:
		return NewDomainError("CheckReadOnlyQuery", ErrUnsafeQuery, fmt.Sprintf("statement starts with %s", words[0]))
	}
	for _, w := range words {
		if mutatingKeywords[w] {
			return NewDomainError("CheckReadOnlyQuery", ErrUnsafeQuery, fmt.Sprintf("keyword %s is not allowed", w))
		}
	}
	return nil
}

// CheckPredicate accepts a boolean row filter such as `region = 'eu' AND
// total > 10`. Subqueries, comments, statement separators and mutating
// keywords are rejected.
func CheckPredicate(pred string) error {
	if strings.TrimSpace(pred) == "" {
		return NewSubSystemError("sync", "CheckPredicate", ErrInvalidInput, "filter is empty")
	}
	words, err := sqlWords(pred)
	if err != nil {
		return err
	}
	for _, w := range words {
		if mutatingKeywords[w] || predicateKeywords[w] {
			return NewDomainError("CheckPredicate", ErrUnsafeQuery, fmt.Sprintf("keyword %s is not allowed in a filter", w))
		}
	}
	return nil
}

// sqlWords blanks out quoted text, rejects comments and statement
// separators, and returns the remaining bare words upper-cased.
func sqlWords(s string) ([]string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			end, ok := closingQuote(s, i)
			if !ok {
				return nil, NewDomainError("sqlWords", ErrUnsafeQuery, "unterminated quote")
			}
			b.WriteByte(' ')
			i = end
		case c == ';':
			return nil, NewDomainError("sqlWords", ErrUnsafeQuery, "multiple statements")
		case c == '-' && i+1 < len(s) && s[i+1] == '-',
			c == '/' && i+1 < len(s) && s[i+1] == '*':
			return nil, NewDomainError("sqlWords", ErrUnsafeQuery, "comments are not allowed")
		default:
			b.WriteByte(c)
		}
	}
	words := wordRe.FindAllString(b.String(), -1)
	if len(words) == 0 {
		return nil, NewDomainError("sqlWords", ErrInvalidInput, "no SQL keywords")
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w)
	}
	return words, nil
}

// closingQuote returns the index of the quote closing the one at start.
// A doubled quote is an escape.
func closingQuote(s string, start int) (int, bool) {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i, true
	}
	return 0, false
}
