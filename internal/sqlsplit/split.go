// Package sqlsplit splits a change script into statements. The inspector and
// the task generator both go through Split so that inspected statements and
// generated tasks always line up one to one.
package sqlsplit

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Kind 语句类别
type Kind string

const (
	KindDDL    Kind = "DDL"
	KindDML    Kind = "DML"
	KindSelect Kind = "SELECT"
	KindOther  Kind = "OTHER"
)

var keywordKinds = map[string]Kind{
	"CREATE":   KindDDL,
	"ALTER":    KindDDL,
	"DROP":     KindDDL,
	"TRUNCATE": KindDDL,
	"RENAME":   KindDDL,
	"INSERT":   KindDML,
	"UPDATE":   KindDML,
	"DELETE":   KindDML,
	"REPLACE":  KindDML,
	"MERGE":    KindDML,
	"SELECT":   KindSelect,
}

// Dialect selects the lexical rules used to find statement boundaries
type Dialect uint8

const (
	MySQL    Dialect = iota // mysql, tidb 和 clickhouse
	Postgres                // 标准字符串，反斜杠只在 E'' 中转义

)

// DialectFor maps an instance db type to its dialect
func DialectFor(dbType string) Dialect {
	if strings.EqualFold(dbType, "postgres") || strings.EqualFold(dbType, "postgresql") {
		return Postgres
	}
	return MySQL
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "mysql"
}

// Statement is one statement of a change script
type Statement struct {
	Seq         int    // 1-based ordinal in the script
	Text        string // original text, trimmed, without the trailing semicolon
	Keyword     string // leading keyword, upper case
	Verb        string // main verb; differs from Keyword for WITH statements
	Kind        Kind
	Fingerprint string
}

// Split cuts sql at top-level semicolons using the lexical rules of d.
// Semicolons inside quotes, quoted identifiers, dollar-quoted bodies and
// comments do not end a statement. Empty and comment-only segments are
// dropped.
func Split(sql string, d Dialect) []Statement {
	var out []Statement
	start := 0
	flush := func(end int) {
		text := strings.TrimSpace(sql[start:end])
		if text == "" || strings.TrimSpace(d.stripComments(text)) == "" {
			return
		}
		keyword := d.leadingKeyword(text)
		verb, kind := keyword, kindOf(keyword)
		if keyword == "WITH" {
			verb, kind = d.classifyWith(text)
		}
		out = append(out, Statement{
			Seq:         len(out) + 1,
			Text:        text,
			Keyword:     keyword,
			Verb:        verb,
			Kind:        kind,
			Fingerprint: Fingerprint(text, d),
		})
	}

	n := len(sql)
	for i := 0; i < n; {
		if next, ok := d.skipNonCode(sql, i); ok {
			i = next
			continue
		}
		if sql[i] == ';' {
			flush(i)
			i++
			start = i
			continue
		}
		i++
	}
	flush(n)
	return out
}

// Texts returns the statement texts of sql in order
func Texts(sql string, d Dialect) []string {
	stmts := Split(sql, d)
	texts := make([]string, len(stmts))
	for i, s := range stmts {
		texts[i] = s.Text
	}
	return texts
}

// LeadingKeyword returns the first keyword of stmt, ignoring comments and
// opening parentheses.
func LeadingKeyword(stmt string, d Dialect) string {
	return d.leadingKeyword(stmt)
}

func (d Dialect) leadingKeyword(stmt string) string {
	s := strings.TrimLeft(strings.TrimSpace(d.stripComments(stmt)), "( \t\r\n")
	end := 0
	for end < len(s) && isWordByte(s[end]) {
		end++
	}
	return strings.ToUpper(s[:end])
}

// KindOf classifies a statement by its main verb
func KindOf(stmt string, d Dialect) Kind {
	keyword := d.leadingKeyword(stmt)
	if keyword == "WITH" {
		_, kind := d.classifyWith(stmt)
		return kind
	}
	return kindOf(keyword)
}

func kindOf(keyword string) Kind {
	if k, ok := keywordKinds[keyword]; ok {
		return k
	}
	return KindOther
}

// 可写 CTE 的主体动词
var modifyingVerbs = map[string]bool{"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "REPLACE": true}

// classifyWith finds the main verb after the CTE list. A CTE whose body
// starts with a data-modifying verb makes the whole statement DML.
func (d Dialect) classifyWith(stmt string) (string, Kind) {
	verb := ""
	modifying := false
	d.walkWords(stmt, func(w token) bool {
		upper := strings.ToUpper(w.text)
		if w.depth > 0 {
			if w.afterParen && modifyingVerbs[upper] {
				modifying = true
			}
			return true
		}
		switch upper {
		case "SELECT", "VALUES", "TABLE", "INSERT", "UPDATE", "DELETE", "MERGE", "REPLACE":
			verb = upper
			return false
		}
		return true
	})
	switch {
	case verb == "":
		return "WITH", KindOther
	case modifying || modifyingVerbs[verb]:
		return verb, KindDML
	default:
		return verb, KindSelect
	}
}

// HasTopLevelWord reports whether word appears in stmt outside parentheses,
// quotes and comments. Matching is case-insensitive.
func HasTopLevelWord(stmt string, d Dialect, word string) bool {
	found := false
	d.walkWords(stmt, func(w token) bool {
		if w.depth == 0 && strings.EqualFold(w.text, word) {
			found = true
			return false
		}
		return true
	})
	return found
}

type token struct {
	text       string
	depth      int
	afterParen bool // first token after an opening parenthesis
}

// walkWords calls fn for every bare word of stmt until fn returns false
func (d Dialect) walkWords(stmt string, fn func(token) bool) {
	depth := 0
	afterParen := false
	n := len(stmt)
	for i := 0; i < n; {
		c := stmt[i]
		if d.isCommentStart(stmt, i) {
			i = d.skipComment(stmt, i)
			continue
		}
		if next, ok := d.skipNonCode(stmt, i); ok {
			i = next
			afterParen = false
			continue
		}
		switch {
		case c == '(':
			depth++
			afterParen = true
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			afterParen = false
			i++
		case isSpace(c):
			i++
		case isWordByte(c):
			end := i
			for end < n && isWordByte(stmt[end]) {
				end++
			}
			if !fn(token{text: stmt[i:end], depth: depth, afterParen: afterParen}) {
				return
			}
			afterParen = false
			i = end
		default:
			afterParen = false
			i++
		}
	}
}

// Fingerprint returns the upper-case MD5 hex digest of the normalized statement
func Fingerprint(stmt string, d Dialect) string {
	sum := md5.Sum([]byte(Normalize(stmt, d)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Normalize lowercases stmt, drops comments, replaces string and numeric
// literals with ? and collapses whitespace. Statements that differ only in
// literal values normalize to the same text.
func Normalize(stmt string, d Dialect) string {
	var b strings.Builder
	n := len(stmt)
	space := false
	write := func(s string) {
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteString(s)
	}

	for i := 0; i < n; {
		c := stmt[i]
		switch {
		case d.isCommentStart(stmt, i):
			i = d.skipComment(stmt, i)
			space = true
		case d.isIdentQuote(c):
			end := d.skipQuoted(stmt, i, c)
			write(strings.ToLower(stmt[i:end]))
			i = end
		case c == '\'' || c == '"' || d.isEscapeString(stmt, i):
			end, _ := d.skipNonCode(stmt, i)
			i = end
			write("?")
		case c == '$' && d == Postgres:
			if tag, ok := dollarTag(stmt, i); ok {
				i = skipDollar(stmt, i, tag)
				write("?")
			} else {
				write("$")
				i++
			}
		case isSpace(c):
			space = true
			i++
		case isDigit(c) && (i == 0 || !isWordByte(stmt[i-1])):
			for i < n && (isDigit(stmt[i]) || stmt[i] == '.') {
				i++
			}
			write("?")
		default:
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			write(string([]byte{c}))
			i++
		}
	}
	return strings.TrimSuffix(strings.TrimSpace(b.String()), ";")
}

// stripComments removes comments while leaving quoted text untouched
func (d Dialect) stripComments(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if d.isCommentStart(s, i) {
			i = d.skipComment(s, i)
			b.WriteByte(' ')
			continue
		}
		if next, ok := d.skipNonCode(s, i); ok {
			b.WriteString(s[i:next])
			i = next
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// skipNonCode reports whether position i opens a quoted region or comment
// and returns the index just past it.
func (d Dialect) skipNonCode(s string, i int) (int, bool) {
	c := s[i]
	switch {
	case d.isCommentStart(s, i):
		return d.skipComment(s, i), true
	case d.isEscapeString(s, i):
		return skipEscaped(s, i+1, '\''), true
	case c == '\'' || c == '"' || d.isIdentQuote(c):
		return d.skipQuoted(s, i, c), true
	case c == '$' && d == Postgres:
		if tag, ok := dollarTag(s, i); ok {
			return skipDollar(s, i, tag), true
		}
	}
	return i, false
}

func (d Dialect) isIdentQuote(c byte) bool {
	return c == '`' && d == MySQL
}

// isEscapeString matches a Postgres E'...' literal
func (d Dialect) isEscapeString(s string, i int) bool {
	if d != Postgres || (s[i] != 'e' && s[i] != 'E') || i+1 >= len(s) || s[i+1] != '\'' {
		return false
	}
	return i == 0 || !isWordByte(s[i-1])
}

func (d Dialect) skipQuoted(s string, i int, quote byte) int {
	if d == MySQL && quote != '`' {
		return skipEscaped(s, i, quote)
	}
	n := len(s)
	for j := i + 1; j < n; j++ {
		if s[j] == quote {
			if j+1 < n && s[j+1] == quote {
				j++
				continue
			}
			return j + 1
		}
	}
	return n
}

// skipEscaped skips a quoted literal in which a backslash escapes the next byte
func skipEscaped(s string, i int, quote byte) int {
	n := len(s)
	for j := i + 1; j < n; j++ {
		switch {
		case s[j] == '\\':
			j++
		case s[j] == quote:
			if j+1 < n && s[j+1] == quote {
				j++
				continue
			}
			return j + 1
		}
	}
	return n
}

func (d Dialect) isCommentStart(s string, i int) bool {
	switch s[i] {
	case '#':
		return d == MySQL
	case '-':
		if i+1 >= len(s) || s[i+1] != '-' {
			return false
		}
		// mysql: "-- " needs trailing whitespace, otherwise "a--1" is arithmetic
		return d == Postgres || i+2 == len(s) || isSpace(s[i+2])
	case '/':
		return i+1 < len(s) && s[i+1] == '*'
	}
	return false
}

func (d Dialect) skipComment(s string, i int) int {
	if s[i] != '/' {
		if end := strings.IndexByte(s[i:], '\n'); end >= 0 {
			return i + end + 1
		}
		return len(s)
	}
	if d == MySQL {
		if end := strings.Index(s[i+2:], "*/"); end >= 0 {
			return i + 2 + end + 2
		}
		return len(s)
	}
	// postgres block comments nest
	depth := 0
	for j := i; j+1 < len(s); j++ {
		switch {
		case s[j] == '/' && s[j+1] == '*':
			depth++
			j++
		case s[j] == '*' && s[j+1] == '/':
			depth--
			j++
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(s)
}

// dollarTag recognizes a Postgres dollar-quote opener such as $$ or $body$
func dollarTag(s string, i int) (string, bool) {
	if i > 0 && isWordByte(s[i-1]) {
		return "", false
	}
	for j := i + 1; j < len(s); j++ {
		if s[j] == '$' {
			return s[i : j+1], true
		}
		if !isWordByte(s[j]) || isDigit(s[j]) && j == i+1 {
			return "", false
		}
	}
	return "", false
}

func skipDollar(s string, i int, tag string) int {
	body := i + len(tag)
	if end := strings.Index(s[body:], tag); end >= 0 {
		return body + end + len(tag)
	}
	return len(s)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordByte(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}
