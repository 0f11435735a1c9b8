package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("claim: %w", context.DeadlineExceeded), true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"connection", &pgconn.PgError{Code: "08006"}, true},
		{"unique", &pgconn.PgError{Code: "23505"}, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestIsUniqueViolationAndSchemaError(t *testing.T) {
	if !IsUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatal("expected duplicated key to be a unique violation")
	}
	if !IsUniqueViolation(errors.New("UNIQUE constraint failed: products.sku")) {
		t.Fatal("expected sqlite unique message to match")
	}
	if !IsSchemaError(&pgconn.PgError{Code: "42703"}) {
		t.Fatal("expected undefined column to be a schema error")
	}
	if !IsSchemaError(errors.New("table products has no column named extra")) {
		t.Fatal("expected sqlite missing column to be a schema error")
	}
}

func TestOpenSQLite(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "ingest.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close(db)

	if IsPostgres(db) {
		t.Fatal("sqlite store reported as postgres")
	}
	var one int
	if err := db.Raw("SELECT 1").Scan(&one).Error; err != nil || one != 1 {
		t.Fatalf("select 1: %d %v", one, err)
	}
}
