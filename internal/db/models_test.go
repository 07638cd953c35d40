package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestNotificationReady(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		notif Notification
		want  bool
	}{
		{"no delay gate", Notification{}, true},
		{"gate passed", Notification{SendAfter: &past}, true},
		{"gate exactly now", Notification{SendAfter: &now}, true},
		{"gate in future", Notification{SendAfter: &future}, false},
		{"already sent", Notification{Sent: true}, false},
		{"permanently failed", Notification{Failed: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.notif.Ready(now); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "marquee", Database: "marquee", SSLMode: "disable"}
	if strings.Contains(cfg.DSN(), "password") {
		t.Errorf("expected no password in DSN, got %q", cfg.DSN())
	}

	cfg.Password = "secret"
	if !strings.HasSuffix(cfg.DSN(), "password=secret") {
		t.Errorf("expected password in DSN, got %q", cfg.DSN())
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	if !IsUniqueViolation(fmt.Errorf("wrapped: %w", unique)) {
		t.Error("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain error is not a unique violation")
	}
}
