package reverr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindTransient, errors.New("connection reset"))
	wrapped := fmt.Errorf("fetch diff: %w", base)

	if KindOf(wrapped) != KindTransient {
		t.Errorf("expected transient kind through wrapping, got %s", KindOf(wrapped))
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimited, true},
		{KindTransient, true},
		{KindAuth, false},
		{KindNotFound, false},
		{KindValidation, false},
		{KindInvariant, false},
	}
	for _, c := range cases {
		err := New(c.kind, errors.New("x"))
		if Retryable(err) != c.want {
			t.Errorf("Retryable(%s) = %v, want %v", c.kind, Retryable(err), c.want)
		}
	}
}

func TestResetOf(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute)
	err := RateLimited(errors.New("quota exhausted"), reset)

	got, ok := ResetOf(fmt.Errorf("forge call: %w", err))
	if !ok {
		t.Fatal("expected reset time to be carried")
	}
	if !got.Equal(reset) {
		t.Errorf("expected reset %v, got %v", reset, got)
	}

	if _, ok := ResetOf(New(KindTransient, errors.New("x"))); ok {
		t.Error("transient error should carry no reset time")
	}
}

func TestNew_NilPassthrough(t *testing.T) {
	if New(KindTransient, nil) != nil {
		t.Error("wrapping nil should stay nil")
	}
}
