package action

import (
	"context"
	"testing"
	"time"
)

func TestExecuteSucceeds(t *testing.T) {
	e := New(Config{})
	if err := e.Execute(context.Background(), "true"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestExecuteReturnsErrorOnNonZeroExit(t *testing.T) {
	e := New(Config{})
	if err := e.Execute(context.Background(), "exit 1"); err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestExecuteEmptyCommandIsNoOp(t *testing.T) {
	e := New(Config{})
	if err := e.Execute(context.Background(), ""); err != nil {
		t.Fatalf("expected no-op for empty command, got %v", err)
	}
}

func TestExecuteRespectsTimeout(t *testing.T) {
	e := New(Config{Timeout: 20 * time.Millisecond})
	if err := e.Execute(context.Background(), "sleep 2"); err == nil {
		t.Fatal("expected timeout to cause a failure")
	}
}
