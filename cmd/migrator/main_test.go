package main

import (
	"reflect"
	"testing"
)

func TestUpMigrations(t *testing.T) {
	names := []string{
		"0003_operations.up.sql",
		"0001_core.down.sql",
		"README.md",
		"0001_core.up.sql",
		"0002_notifications.up.sql",
		"0002_notifications.down.sql",
	}

	got := upMigrations(names)
	want := []string{"0001_core.up.sql", "0002_notifications.up.sql", "0003_operations.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
