package corevdberr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapOpNil(t *testing.T) {
	if WrapOp("op", NotFound, nil) != nil {
		t.Fatal("expected nil for nil cause")
	}
}

func TestIsCode(t *testing.T) {
	err := Wrap(NotFound, "get noun", fmt.Errorf("boom"))
	if !IsCode(err, NotFound) {
		t.Fatal("expected NotFound code")
	}
	if IsCode(err, Fatal) {
		t.Fatal("did not expect Fatal code")
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := Wrap(LockUnavailable, "acquire", nil)
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatal("expected errors.Is to match sentinel by code")
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(New(Transient, "x")) {
		t.Fatal("transient should be retriable")
	}
	if IsRetriable(New(NotFound, "x")) {
		t.Fatal("not-found should not be retriable")
	}
}
