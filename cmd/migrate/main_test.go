package main

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand([]string{"up"})
	if err != nil || cmd.down {
		t.Fatalf("expected up command, got %+v (%v)", cmd, err)
	}

	cmd, err = parseCommand([]string{"down"})
	if err != nil || !cmd.down || cmd.steps != 1 {
		t.Fatalf("expected single-step rollback, got %+v (%v)", cmd, err)
	}

	cmd, err = parseCommand([]string{"down", "3"})
	if err != nil || cmd.steps != 3 {
		t.Fatalf("expected three steps, got %+v (%v)", cmd, err)
	}

	if _, err := parseCommand([]string{"down", "many"}); err == nil {
		t.Fatalf("expected invalid steps error")
	}
	if _, err := parseCommand([]string{"sideways"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if _, err := parseCommand(nil); err == nil {
		t.Fatalf("expected missing command error")
	}
}

func TestRunRequiresDatabase(t *testing.T) {
	t.Setenv("ORDERDESK_DATABASE_DSN", "")
	err := run([]string{"up"})
	if err == nil || !strings.Contains(err.Error(), "-database flag is required") {
		t.Fatalf("expected database error, got %v", err)
	}
}
