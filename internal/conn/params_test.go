package conn

import (
	"testing"

	"github.com/dbbouncer/gomysql/internal/protocol"
)

func TestExpandNamedParams(t *testing.T) {
	cases := []struct {
		in        string
		wantSQL   string
		wantNames []string
	}{
		{"SELECT * FROM t WHERE id = :id", "SELECT * FROM t WHERE id = ?", []string{"id"}},
		{"UPDATE t SET a = :a, b = :b WHERE id = :id", "UPDATE t SET a = ?, b = ? WHERE id = ?", []string{"a", "b", "id"}},
		{"SELECT :x + :x", "SELECT ? + ?", []string{"x", "x"}},
		{"SELECT 1", "SELECT 1", nil},
		{"SELECT ':not_a_param', :real", "SELECT ':not_a_param', ?", []string{"real"}},
		{`SELECT ":quoted", :v`, `SELECT ":quoted", ?`, []string{"v"}},
		{"SELECT `col:on`, :v", "SELECT `col:on`, ?", []string{"v"}},
		{"SELECT a::int, :v", "SELECT a::int, ?", []string{"v"}},
	}
	for _, tc := range cases {
		gotSQL, gotNames := ExpandNamedParams(tc.in)
		if gotSQL != tc.wantSQL {
			t.Errorf("ExpandNamedParams(%q) sql = %q, want %q", tc.in, gotSQL, tc.wantSQL)
		}
		if len(gotNames) != len(tc.wantNames) {
			t.Errorf("ExpandNamedParams(%q) names = %v, want %v", tc.in, gotNames, tc.wantNames)
			continue
		}
		for i := range gotNames {
			if gotNames[i] != tc.wantNames[i] {
				t.Errorf("ExpandNamedParams(%q) names = %v, want %v", tc.in, gotNames, tc.wantNames)
				break
			}
		}
	}
}

func TestBindNamedParamsMissingName(t *testing.T) {
	_, names := ExpandNamedParams("SELECT :a, :b")
	_, err := BindNamedParams(names, map[string]protocol.BinaryParam{
		"a": {Type: protocol.FieldTypeLong},
	})
	if !protocol.IsDriverKind(err, protocol.NamedParamMissing) {
		t.Fatalf("expected NamedParamMissing, got %v", err)
	}
}

func TestBindNamedParamsOrdersByPlaceholder(t *testing.T) {
	_, names := ExpandNamedParams("SELECT :b, :a, :b")
	bound, err := BindNamedParams(names, map[string]protocol.BinaryParam{
		"a": {Type: protocol.FieldTypeLong, Data: []byte{1, 0, 0, 0}},
		"b": {Type: protocol.FieldTypeTiny, Data: []byte{2}},
	})
	if err != nil {
		t.Fatalf("BindNamedParams: %v", err)
	}
	if len(bound) != 3 {
		t.Fatalf("got %d params, want 3", len(bound))
	}
	if bound[0].Type != protocol.FieldTypeTiny || bound[1].Type != protocol.FieldTypeLong || bound[2].Type != protocol.FieldTypeTiny {
		t.Fatalf("wrong ordering: %+v", bound)
	}
}
