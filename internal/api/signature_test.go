package api

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const testSecret = "whsec_test"

func signedHeader(payload []byte, secret string, at time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), ComputeSignature(payload, secret, at.Unix()))
}

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	err := VerifySignature(payload, signedHeader(payload, testSecret, now), testSecret, DefaultSignatureTolerance, now)
	if err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
}

func TestVerifySignature_Missing(t *testing.T) {
	err := VerifySignature([]byte(`{}`), "", testSecret, DefaultSignatureTolerance, time.Now())
	if !errors.Is(err, ErrMissingSignature) {
		t.Errorf("expected ErrMissingSignature, got %v", err)
	}
}

func TestVerifySignature_Malformed(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()

	for _, header := range []string{
		"garbage",
		"t=notanumber,v1=abc",
		"v1=abc",
		fmt.Sprintf("t=%d", now.Unix()),
	} {
		err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now)
		if !errors.Is(err, ErrMalformedSignature) {
			t.Errorf("header %q: expected ErrMalformedSignature, got %v", header, err)
		}
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	err := VerifySignature(payload, signedHeader(payload, "whsec_other", now), testSecret, DefaultSignatureTolerance, now)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	header := signedHeader(payload, testSecret, now)

	err := VerifySignature([]byte(`{"id":"evt_2"}`), header, testSecret, DefaultSignatureTolerance, now)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected ErrSignatureMismatch for tampered body, got %v", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	stale := now.Add(-10 * time.Minute)

	err := VerifySignature(payload, signedHeader(payload, testSecret, stale), testSecret, DefaultSignatureTolerance, now)
	if !errors.Is(err, ErrSignatureExpired) {
		t.Errorf("expected ErrSignatureExpired, got %v", err)
	}
}

func TestVerifySignature_FutureTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	future := now.Add(10 * time.Minute)

	err := VerifySignature(payload, signedHeader(payload, testSecret, future), testSecret, DefaultSignatureTolerance, now)
	if !errors.Is(err, ErrSignatureExpired) {
		t.Errorf("expected ErrSignatureExpired for future timestamp, got %v", err)
	}
}

func TestVerifySignature_SecondSchemeVersionIgnored(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	// Extra scheme versions alongside a valid v1 are tolerated.
	header := signedHeader(payload, testSecret, now) + ",v0=deadbeef"
	err := VerifySignature(payload, header, testSecret, DefaultSignatureTolerance, now)
	if err != nil {
		t.Errorf("expected valid signature with extra scheme, got %v", err)
	}
}
