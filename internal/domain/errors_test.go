package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestInstanceErrorUnwrap(t *testing.T) {
	err := &InstanceError{InstanceID: "i_abc", Op: "allocate port", Err: ErrPortsExhausted}

	if !errors.Is(err, ErrPortsExhausted) {
		t.Fatal("expected wrapped sentinel to match")
	}
	if errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatal("unexpected sentinel match")
	}
	msg := err.Error()
	if !strings.Contains(msg, "i_abc") || !strings.Contains(msg, "allocate port") {
		t.Fatalf("error message missing context: %q", msg)
	}
}

func TestInstanceErrorWithoutID(t *testing.T) {
	err := &InstanceError{Op: "ping", Err: ErrRuntimeUnavailable}
	if strings.Contains(err.Error(), "instance") {
		t.Fatalf("expected no instance prefix: %q", err.Error())
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, status := range []string{StatusFailed, StatusDestroyed} {
		if !TerminalStatus(status) {
			t.Fatalf("%s must be terminal", status)
		}
	}
	for _, status := range []string{StatusRequested, StatusProvisioning, StatusRunning, StatusStopping, StatusStopped} {
		if TerminalStatus(status) {
			t.Fatalf("%s must not be terminal", status)
		}
	}
}
