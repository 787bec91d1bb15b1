package conn

import (
	"context"

	"github.com/dbbouncer/gomysql/internal/protocol"
)

// ExpandNamedParams rewrites :name placeholders in sql to positional ?
// markers and returns the names in placeholder order. Quoted strings,
// backtick identifiers, and ::casts are left untouched; a double colon is
// passed through verbatim.
func ExpandNamedParams(sql string) (string, []string) {
	out := make([]byte, 0, len(sql))
	var names []string

	var quote byte
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if quote != 0 {
			out = append(out, ch)
			if ch == quote {
				quote = 0
			} else if ch == '\\' && i+1 < len(sql) {
				i++
				out = append(out, sql[i])
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
			out = append(out, ch)
		case ch == ':' && i+1 < len(sql) && sql[i+1] == ':':
			out = append(out, ':', ':')
			i++
		case ch == ':' && i+1 < len(sql) && isNameChar(sql[i+1]):
			j := i + 1
			for j < len(sql) && isNameChar(sql[j]) {
				j++
			}
			names = append(names, sql[i+1:j])
			out = append(out, '?')
			i = j - 1
		default:
			out = append(out, ch)
		}
	}
	return string(out), names
}

func isNameChar(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}

// BindNamedParams orders the values in params to match the placeholder
// names produced by ExpandNamedParams. A name with no entry in params
// fails with a NamedParamMissing driver error.
func BindNamedParams(names []string, params map[string]protocol.BinaryParam) ([]protocol.BinaryParam, error) {
	out := make([]protocol.BinaryParam, 0, len(names))
	for _, name := range names {
		p, ok := params[name]
		if !ok {
			return nil, protocol.NewDriverError(protocol.NamedParamMissing, name)
		}
		out = append(out, p)
	}
	return out, nil
}

// ExecNamed prepares sql after rewriting its :name placeholders and
// executes it with the values bound by name.
func (c *Conn) ExecNamed(ctx context.Context, sql string, params map[string]protocol.BinaryParam) (*Rows, error) {
	positional, names := ExpandNamedParams(sql)
	bound, err := BindNamedParams(names, params)
	if err != nil {
		return nil, err
	}
	s, err := c.Prepare(ctx, positional)
	if err != nil {
		return nil, err
	}
	return c.ExecStatement(ctx, s, bound)
}
