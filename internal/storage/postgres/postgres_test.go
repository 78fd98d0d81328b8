package postgres

import "testing"

func TestSQLOperation(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM close_orders", "select"},
		{"\n\t\tINSERT INTO journal_entries VALUES ($1)", "insert"},
		{"UPDATE close_orders SET status = $1", "update"},
		{"transaction", "transaction"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := sqlOperation(tt.sql); got != tt.want {
			t.Errorf("sqlOperation(%q) = %q, want %q", tt.sql, got, tt.want)
		}
	}
}
