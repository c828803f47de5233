package segmentation

import (
	"fmt"
	"strings"

	"github.com/portal28/academy/internal/domain"
)

// MaxPredicateLength bounds stored SQL predicates.
const MaxPredicateLength = 4000

// The only two query shapes a stored predicate is ever placed into. Person
// ids are always bound parameters; the predicate text is linted first.
const (
	matchOneTemplate = `SELECT EXISTS (SELECT 1 FROM person_features pf WHERE pf.person_id = $1 AND (%s))`
	matchAllTemplate = `SELECT pf.person_id FROM person_features pf WHERE (%s) ORDER BY pf.person_id`
)

// BuildMatchQuery returns the single-person query for expr. The caller binds
// the person id as $1.
func BuildMatchQuery(expr string) (string, error) {
	if err := LintPredicate(expr); err != nil {
		return "", err
	}
	return fmt.Sprintf(matchOneTemplate, strings.TrimSpace(expr)), nil
}

// BuildMatchAllQuery returns the set-wise query for expr.
func BuildMatchAllQuery(expr string) (string, error) {
	if err := LintPredicate(expr); err != nil {
		return "", err
	}
	return fmt.Sprintf(matchAllTemplate, strings.TrimSpace(expr)), nil
}

var forbiddenWords = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true, "merge": true,
	"drop": true, "alter": true, "create": true, "truncate": true, "grant": true,
	"revoke": true, "copy": true, "execute": true, "call": true, "do": true,
	"union": true, "intersect": true, "except": true, "into": true, "returning": true,
	"with": true, "from": true, "join": true, "lock": true, "vacuum": true,
	"analyze": true, "listen": true, "notify": true, "set": true, "reset": true,
	"dblink": true, "set_config": true, "current_setting": true,
}

var forbiddenPrefixes = []string{"pg_", "lo_", "dblink_"}

// LintPredicate rejects anything that is not a single boolean expression over
// pf columns: statement separators, comments, placeholders, subqueries, DML,
// DDL, and server-side functions with side effects. It is a guard in front of
// the read-only execution path, not a SQL parser.
func LintPredicate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("%w: empty sql predicate", domain.ErrValidation)
	}
	if len(expr) > MaxPredicateLength {
		return fmt.Errorf("%w: sql predicate longer than %d bytes", domain.ErrValidation, MaxPredicateLength)
	}

	depth := 0
	inString := false
	var word strings.Builder
	flush := func() error {
		if word.Len() == 0 {
			return nil
		}
		w := strings.ToLower(word.String())
		word.Reset()
		if forbiddenWords[w] {
			return fmt.Errorf("%w: keyword %q is not allowed in sql predicates", domain.ErrValidation, w)
		}
		for _, p := range forbiddenPrefixes {
			if strings.HasPrefix(w, p) {
				return fmt.Errorf("%w: function %q is not allowed in sql predicates", domain.ErrValidation, w)
			}
		}
		return nil
	}

	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if inString {
			if c == '\\' {
				return fmt.Errorf("%w: backslashes are not allowed", domain.ErrValidation)
			}
			if c == '\'' {
				if i+1 < len(expr) && expr[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}

		if isWordByte(c) {
			word.WriteByte(c)
			continue
		}
		if err := flush(); err != nil {
			return err
		}

		switch c {
		case '\'':
			inString = true
		case ';':
			return fmt.Errorf("%w: statement separators are not allowed", domain.ErrValidation)
		case '$', '\\', '"', '`':
			return fmt.Errorf("%w: character %q is not allowed", domain.ErrValidation, c)
		case '-':
			if i+1 < len(expr) && expr[i+1] == '-' {
				return fmt.Errorf("%w: comments are not allowed", domain.ErrValidation)
			}
		case '/':
			if i+1 < len(expr) && expr[i+1] == '*' {
				return fmt.Errorf("%w: comments are not allowed", domain.ErrValidation)
			}
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unbalanced parentheses", domain.ErrValidation)
			}
		}
	}
	if inString {
		return fmt.Errorf("%w: unterminated string literal", domain.ErrValidation)
	}
	if err := flush(); err != nil {
		return err
	}
	if depth != 0 {
		return fmt.Errorf("%w: unbalanced parentheses", domain.ErrValidation)
	}
	return nil
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
