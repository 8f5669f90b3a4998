package zamq

import (
	"strings"
	"testing"
)

func TestExceptionClassification(t *testing.T) {
	cases := []struct {
		code uint16
		hard bool
	}{
		{ContentTooLarge, false},
		{NotFound, false},
		{ResourceLocked, false},
		{PreconditionFailed, false},
		{ConnectionForced, true},
		{FrameError, true},
		{CommandInvalid, true},
		{ChannelError, true},
		{NotImplemented, true},
		{InternalError, true},
	}
	for _, c := range cases {
		e := exceptionFromCode(classChannel, c.code, "boom")
		if e.Hard() != c.hard {
			t.Fatalf("code %d: hard = %v, want %v", c.code, e.Hard(), c.hard)
		}
		if e.Code() != c.code {
			t.Fatalf("code %d: Code() = %d", c.code, e.Code())
		}
	}
}

func TestExceptionUnknownCode(t *testing.T) {
	e := exceptionFromCode(classConnection, 999, "strange")
	if !e.Hard() {
		t.Fatal("unknown code should be treated as hard")
	}
	if e.Code() != 999 {
		t.Fatalf("Code() = %d, want 999", e.Code())
	}
	if !strings.Contains(e.Error(), "unknown") {
		t.Fatalf("Error() = %q", e.Error())
	}
}

func TestNewProtocolException(t *testing.T) {
	e := NewProtocolException(classChannel, "precondition-failed", "no such queue")
	if e.Code() != PreconditionFailed {
		t.Fatalf("Code() = %d", e.Code())
	}
	if e.Hard() {
		t.Fatal("precondition-failed should be soft")
	}
	if !strings.Contains(e.Error(), "precondition-failed") {
		t.Fatalf("Error() = %q", e.Error())
	}
}
