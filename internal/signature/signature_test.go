package signature

import (
	"errors"
	"testing"
	"time"
)

func TestVerify_Valid(t *testing.T) {
	body := []byte(`{"action": "opened"}`)
	secret := "my-secret-key"

	if err := Verify(Sign(body, secret), body, secret); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
}

func TestVerify_MissingHeader(t *testing.T) {
	if err := Verify("", []byte("x"), "s"); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("expected ErrMissingSignature, got %v", err)
	}
}

func TestVerify_MalformedPrefix(t *testing.T) {
	body := []byte("x")
	cases := []string{"no-equals-sign", "sha1=abcd", "sha256=not-hex!"}
	for _, header := range cases {
		if err := Verify(header, body, "s"); !errors.Is(err, ErrMalformedSignature) {
			t.Errorf("header %q: expected ErrMalformedSignature, got %v", header, err)
		}
	}
}

func TestVerify_FlippedLastByte(t *testing.T) {
	body := []byte(`{"action": "opened"}`)
	secret := "my-secret-key"

	good := Sign(body, secret)
	last := good[len(good)-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	bad := good[:len(good)-1] + string(flip)

	if err := Verify(bad, body, secret); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"action": "opened"}`)
	header := Sign(body, "right-secret")

	if err := Verify(header, body, "wrong-secret"); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}

// Rejections of early-mismatching and late-mismatching digests should take
// comparable time. This is a coarse sanity check, not a micro-benchmark:
// hmac.Equal handles the hard guarantee.
func TestVerify_TimingCoarse(t *testing.T) {
	body := []byte(`{"action": "opened", "number": 42}`)
	secret := "timing-secret"
	good := Sign(body, secret)

	// Digest differing in the first hex character vs. the last.
	early := "sha256=0" + good[8:]
	if early == good {
		early = "sha256=1" + good[8:]
	}
	late := good[:len(good)-1] + "0"
	if late == good {
		late = good[:len(good)-1] + "1"
	}

	const n = 100
	measure := func(header string) time.Duration {
		start := time.Now()
		for i := 0; i < n; i++ {
			Verify(header, body, secret)
		}
		return time.Since(start)
	}

	// Warm up.
	measure(early)
	a := measure(early)
	b := measure(late)

	ratio := float64(a) / float64(b)
	if ratio < 0.2 || ratio > 5.0 {
		t.Errorf("rejection timing wildly asymmetric: early=%v late=%v", a, b)
	}
}
