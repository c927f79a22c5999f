package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestStandardError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("swap out: %w", SwapExhausted(64))
	if !stderrors.Is(err, ErrSwapExhausted) {
		t.Fatalf("expected ErrSwapExhausted in chain: %v", err)
	}
	if stderrors.Is(err, ErrNoFrame) {
		t.Fatal("codes must not cross-match")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("wrap: %w", SwapExhausted(1))) {
		t.Fatal("swap exhaustion must be fatal")
	}
	if IsFatal(TableFull(128)) {
		t.Fatal("a full descriptor table is recoverable")
	}
	if IsFatal(stderrors.New("plain")) {
		t.Fatal("plain errors carry no category")
	}
}

func TestIsUserFault(t *testing.T) {
	if !IsUserFault(BadAddress(0, "null")) {
		t.Fatal("bad address must be a user fault")
	}
	if IsUserFault(BadDescriptor(3)) {
		t.Fatal("bad descriptor is not a user fault")
	}
}

func TestNewStandardError_RecordsCaller(t *testing.T) {
	e := BadSlot(7)
	if !strings.Contains(e.Caller, "BadSlot") {
		t.Fatalf("unexpected caller %q", e.Caller)
	}
	if !strings.Contains(e.Error(), "INVALID_HANDLE:BAD_SLOT") {
		t.Fatalf("unexpected message %q", e.Error())
	}
}

func TestDeviceUnwrapsCause(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := Device("write", 9, cause)
	if !stderrors.Is(err, cause) || !stderrors.Is(err, ErrDevice) {
		t.Fatalf("device error should match both cause and sentinel: %v", err)
	}
	if c, _ := CategoryOf(err); c != CategoryDevice {
		t.Fatalf("unexpected category %s", c)
	}
}
