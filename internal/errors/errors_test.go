package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindStorage, "disk full")
	if err.Error() != "disk full" {
		t.Errorf("expected 'disk full', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to save rules")
	if wrapped.Error() != "failed to save rules: disk full" {
		t.Errorf("expected 'failed to save rules: disk full', got '%s'", wrapped.Error())
	}

	if Wrap(nil, KindStorage, "noop") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindPermission, "need root")
	if GetKind(err) != KindPermission {
		t.Errorf("expected KindPermission, got %v", GetKind(err))
	}

	outer := fmt.Errorf("apply: %w", err)
	if GetKind(outer) != KindPermission {
		t.Errorf("expected kind to survive fmt wrapping, got %v", GetKind(outer))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}

	if GetKind(fmt.Errorf("nft: %w", context.DeadlineExceeded)) != KindTimeout {
		t.Error("deadline exceeded should map to KindTimeout")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindNotFound:    "not_found",
		KindPermission:  "permission_denied",
		KindStorage:     "storage",
		KindUnavailable: "backend_unavailable",
		KindTimeout:     "backend_timeout",
		KindDrift:       "drift",
		Kind(99):        "unknown",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindNotFound, "process gone")
	err = Attr(err, "pid", 4242)
	err = Attr(err, "path", "/usr/bin/curl")

	attrs := GetAttributes(err)
	if attrs["pid"] != 4242 {
		t.Errorf("expected 4242, got %v", attrs["pid"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "resolve")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["path"] != "/usr/bin/curl" || allAttrs["operation"] != "resolve" {
		t.Errorf("missing attributes: %v", allAttrs)
	}

	plain := Attr(errors.New("boom"), "k", "v")
	if GetKind(plain) != KindInternal {
		t.Errorf("plain errors should be promoted to KindInternal, got %v", GetKind(plain))
	}
}
