// helpers_test.go — table-driven tests for QueryBuilder and mustMarshalJSON.
package store

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestQueryBuilderEq(t *testing.T) {
	t.Run("skips_empty", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "")
		sql, params := qb.Build("SELECT * FROM t", "", 10)
		if strings.Contains(sql, "WHERE") {
			t.Errorf("expected no WHERE clause, got %q", sql)
		}
		if len(params) != 1 {
			t.Errorf("expected only the limit param, got %v", params)
		}
	})

	t.Run("adds_condition", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "active")
		sql, params := qb.Build("SELECT * FROM t", "", 10)
		if !strings.Contains(sql, "status = $1") {
			t.Errorf("expected 'status = $1' in SQL, got %q", sql)
		}
		if params[0] != "active" {
			t.Errorf("expected first param active, got %v", params)
		}
	})

	t.Run("multiple_conditions", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "active").Eq("agent", "claude")
		sql, _ := qb.Build("SELECT * FROM t", "", 10)
		if !strings.Contains(sql, "status = $1") || !strings.Contains(sql, "agent = $2") {
			t.Errorf("expected both conditions, got %q", sql)
		}
	})
}

func TestQueryBuilderKeywordLike(t *testing.T) {
	t.Run("escape_clause", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("test", "message")
		sql, _ := qb.Build("SELECT * FROM t", "", 10)
		if !strings.Contains(sql, `ESCAPE E'\\'`) {
			t.Errorf("expected ESCAPE clause, got %q", sql)
		}
	})

	t.Run("escapes_percent", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("100%", "message")
		_, params := qb.Build("SELECT * FROM t", "", 10)
		p, ok := params[0].(string)
		if !ok || !strings.Contains(p, `100\%`) {
			t.Errorf("expected escaped percent in param, got %v", params)
		}
	})

	t.Run("skips_empty_keyword", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("", "message")
		sql, _ := qb.Build("SELECT * FROM t", "", 10)
		if strings.Contains(sql, "WHERE") {
			t.Errorf("expected no WHERE clause for empty keyword, got %q", sql)
		}
	})

	t.Run("multi_column", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("test", "message", "detail")
		sql, _ := qb.Build("SELECT * FROM t", "", 10)
		if !strings.Contains(sql, "LOWER(message)") || !strings.Contains(sql, "LOWER(detail)") {
			t.Errorf("expected both columns in LIKE, got %q", sql)
		}
		if !strings.Contains(sql, " OR ") {
			t.Errorf("expected OR between columns, got %q", sql)
		}
	})
}

func TestQueryBuilderBuild(t *testing.T) {
	t.Run("limit_clamped_zero", func(t *testing.T) {
		qb := NewQueryBuilder()
		sql, params := qb.Build("SELECT * FROM t", "", 0)
		if !strings.Contains(sql, "LIMIT $1") {
			t.Errorf("expected LIMIT clause, got %q", sql)
		}
		if params[0] != 1 {
			t.Errorf("expected limit=1, got %v", params[0])
		}
	})

	t.Run("limit_clamped_high", func(t *testing.T) {
		qb := NewQueryBuilder()
		_, params := qb.Build("SELECT * FROM t", "", 9999)
		if params[0] != 2000 {
			t.Errorf("expected limit=2000, got %v", params[0])
		}
	})

	t.Run("full_query", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "active")
		sql, params := qb.Build("SELECT * FROM t", "created_at DESC", 10)
		if !strings.Contains(sql, "WHERE status = $1") {
			t.Errorf("expected WHERE clause, got %q", sql)
		}
		if !strings.Contains(sql, "ORDER BY created_at DESC") {
			t.Errorf("expected ORDER BY clause, got %q", sql)
		}
		if !strings.Contains(sql, "LIMIT $2") {
			t.Errorf("expected LIMIT $2, got %q", sql)
		}
		if len(params) != 2 || params[0] != "active" || params[1] != 10 {
			t.Errorf("expected params [active, 10], got %v", params)
		}
	})
}

func TestMustMarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		wantJSON string
	}{
		{name: "normal_map", input: map[string]any{"key": "value", "n": 42}, wantJSON: `{"key":"value","n":42}`},
		{name: "nil_input", input: nil, wantJSON: `null`},
		{name: "string_slice", input: []string{"a", "b"}, wantJSON: `["a","b"]`},
		{name: "empty_map", input: map[string]any{}, wantJSON: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustMarshalJSON(tt.input)
			if !json.Valid(got) {
				t.Fatalf("mustMarshalJSON returned invalid JSON: %q", got)
			}

			var gotVal, wantVal any
			if err := json.Unmarshal(got, &gotVal); err != nil {
				t.Fatalf("unmarshal got: %v", err)
			}
			if err := json.Unmarshal([]byte(tt.wantJSON), &wantVal); err != nil {
				t.Fatalf("unmarshal want: %v", err)
			}
			gotRe, _ := json.Marshal(gotVal)
			wantRe, _ := json.Marshal(wantVal)
			if string(gotRe) != string(wantRe) {
				t.Errorf("mustMarshalJSON(%v) = %s, want %s", tt.input, got, tt.wantJSON)
			}
		})
	}
}

func TestMustMarshalJSON_Unmarshalable(t *testing.T) {
	ch := make(chan int)
	got := mustMarshalJSON(ch)
	if string(got) != "{}" {
		t.Errorf("mustMarshalJSON(chan) = %s, want {}", got)
	}
}
