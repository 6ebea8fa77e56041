package invite

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Slug layout (v1), base64 RawURL encoded:
//
//	[version:1][conversation uuid:16][creator uuid:16][expiresAtMs:8 BE][checksum:4]
//
// The checksum is the first 4 bytes of BLAKE2b-256 over the preceding bytes,
// keyed when the deployment configures an invite secret. A slug that fails
// the checksum is rejected as invalid format; it never decodes into a
// different invite. The version byte is the compatibility hook: decoders
// reject versions they do not know instead of guessing at the layout.

const (
	slugVersion  = 0x01
	payloadLen   = 1 + 16 + 16 + 8
	checksumLen  = 4
	slugBinEquiv = payloadLen + checksumLen
)

type Codec struct {
	key []byte
}

// NewCodec returns a slug codec. An empty secret produces unkeyed checksums,
// which still catch corruption but not slugs minted by another deployment.
func NewCodec(secret string) *Codec {
	var key []byte
	if secret != "" {
		sum := blake2b.Sum256([]byte(secret))
		key = sum[:32]
	}
	return &Codec{key: key}
}

func (c *Codec) Encode(inv Invite) (string, error) {
	convID, err := uuid.Parse(inv.ConversationID)
	if err != nil {
		return "", fmt.Errorf("invalid conversation id: %w", err)
	}
	creatorID, err := uuid.Parse(inv.CreatorID)
	if err != nil {
		return "", fmt.Errorf("invalid creator id: %w", err)
	}

	buf := make([]byte, 0, slugBinEquiv)
	buf = append(buf, slugVersion)
	buf = append(buf, convID[:]...)
	buf = append(buf, creatorID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(inv.ExpiresAtMs))

	sum, err := c.checksum(buf)
	if err != nil {
		return "", err
	}
	buf = append(buf, sum...)

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (c *Codec) Decode(slug string) (Invite, error) {
	raw, err := base64.RawURLEncoding.DecodeString(slug)
	if err != nil {
		return Invite{}, ErrInvalidFormat
	}
	if len(raw) != slugBinEquiv {
		return Invite{}, ErrInvalidFormat
	}
	if raw[0] != slugVersion {
		return Invite{}, ErrInvalidFormat
	}

	payload := raw[:payloadLen]
	want, err := c.checksum(payload)
	if err != nil {
		return Invite{}, err
	}
	got := raw[payloadLen:]
	for i := range want {
		if got[i] != want[i] {
			return Invite{}, ErrInvalidFormat
		}
	}

	var convID, creatorID uuid.UUID
	copy(convID[:], raw[1:17])
	copy(creatorID[:], raw[17:33])
	expiresAtMs := int64(binary.BigEndian.Uint64(raw[33:41]))

	return Invite{
		ConversationID: convID.String(),
		CreatorID:      creatorID.String(),
		ExpiresAtMs:    expiresAtMs,
	}, nil
}

func (c *Codec) checksum(payload []byte) ([]byte, error) {
	h, err := blake2b.New256(c.key)
	if err != nil {
		return nil, fmt.Errorf("checksum init: %w", err)
	}
	_, _ = h.Write(payload)
	return h.Sum(nil)[:checksumLen], nil
}
