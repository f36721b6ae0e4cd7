package postgres

import (
	"io/fs"
	"strings"
	"testing"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://x@y/z", Host: "ignored"},
			want: "postgres://x@y/z",
		},
		{
			name: "defaults port and sslmode",
			cfg:  ClientConfig{Host: "db", Database: "ledger", User: "u", Password: "p"},
			want: "postgres://u:p@db:5432/ledger?sslmode=disable",
		},
		{
			name: "custom port and sslmode",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "ledger", User: "u", Password: "p", SSLMode: "require"},
			want: "postgres://u:p@db:6543/ledger?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMigrationDeclaresTradeIdentity(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/001_init.sql")
	if err != nil {
		t.Fatal(err)
	}
	sql := string(data)
	want := "UNIQUE (transaction_hash, trade_timestamp, size, side, proxy_wallet)"
	if !strings.Contains(sql, want) {
		t.Fatalf("trades table missing %q", want)
	}
	for _, table := range []string{"trades", "fetch_progress", "markets"} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("migration missing table %s", table)
		}
	}
}
