package invite

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testInvite() Invite {
	return Invite{
		ConversationID: uuid.NewString(),
		CreatorID:      uuid.NewString(),
		ExpiresAtMs:    time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec("")
	inv := testInvite()

	slug, err := codec.Encode(inv)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := codec.Decode(slug)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded != inv {
		t.Fatalf("Decode() = %+v, want %+v", decoded, inv)
	}

	// slug -> invite -> slug must reproduce the slug byte-for-byte.
	again, err := codec.Encode(decoded)
	if err != nil {
		t.Fatalf("Encode(decoded) error = %v", err)
	}
	if again != slug {
		t.Fatalf("re-encoded slug = %q, want %q", again, slug)
	}
}

func TestCodec_RoundTripKeyed(t *testing.T) {
	codec := NewCodec("house-secret")
	inv := testInvite()

	slug, err := codec.Encode(inv)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := codec.Decode(slug)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded != inv {
		t.Fatalf("Decode() = %+v, want %+v", decoded, inv)
	}
}

func TestCodec_KeyMismatchRejected(t *testing.T) {
	slug, err := NewCodec("deployment-a").Encode(testInvite())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if _, err := NewCodec("deployment-b").Decode(slug); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("Decode() error = %v, want ErrInvalidFormat", err)
	}
}

func TestCodec_TamperedSlugRejected(t *testing.T) {
	codec := NewCodec("")
	slug, err := codec.Encode(testInvite())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(slug)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	raw[5] ^= 0xff
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	if _, err := codec.Decode(tampered); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("Decode(tampered) error = %v, want ErrInvalidFormat", err)
	}
}

func TestCodec_UnknownVersionRejected(t *testing.T) {
	codec := NewCodec("")
	slug, err := codec.Encode(testInvite())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	raw, _ := base64.RawURLEncoding.DecodeString(slug)
	raw[0] = 0x02
	bumped := base64.RawURLEncoding.EncodeToString(raw)

	if _, err := codec.Decode(bumped); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("Decode(v2) error = %v, want ErrInvalidFormat", err)
	}
}

func TestCodec_GarbageRejected(t *testing.T) {
	codec := NewCodec("")

	cases := []string{
		"",
		"not-a-real-code",
		"!!!%%%",
		strings.Repeat("A", 10),
		strings.Repeat("A", 200),
	}
	for _, slug := range cases {
		if _, err := codec.Decode(slug); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("Decode(%q) error = %v, want ErrInvalidFormat", slug, err)
		}
	}
}

func TestInvite_Expired(t *testing.T) {
	nowMs := time.Now().UnixMilli()

	inv := Invite{ExpiresAtMs: nowMs - 1}
	if !inv.Expired(nowMs) {
		t.Fatalf("Expired() = false, want true")
	}

	inv.ExpiresAtMs = nowMs + time.Hour.Milliseconds()
	if inv.Expired(nowMs) {
		t.Fatalf("Expired() = true, want false")
	}

	// Zero expiry means a non-expiring invite.
	inv.ExpiresAtMs = 0
	if inv.Expired(nowMs) {
		t.Fatalf("Expired() with zero expiry = true, want false")
	}
}
