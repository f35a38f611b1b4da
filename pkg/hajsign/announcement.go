package hajsign

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/function61/hajautus/pkg/hajtypes"
)

// a signed (or unsigned) service announcement. re-broadcast verbatim by the introducer,
// so every party can verify it independently.
//
// new wire generations get a new implementation of this interface
type Announcement interface {
	// verifies signature (if any) and decodes message.
	// returns the claimed public key, or nil for unsigned announcements
	Unsign() (*Message, ed25519.PublicKey, error)
	// canonical wire encoding. equal bytes <=> duplicate announcement
	Raw() []byte
}

// wire form: JSON array of exactly three strings [message_json, signature_or_empty, key_or_empty]
type AnnouncementV2 struct {
	Message   []byte
	Signature string // "v0-" + base32, or empty
	PublicKey string // "v0-" + base32, or empty
}

var _ Announcement = (*AnnouncementV2)(nil)

func SignAnnouncement(signer *Signer, msg *Message) (*AnnouncementV2, error) {
	msgBytes, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	return &AnnouncementV2{
		Message:   msgBytes,
		Signature: tagV0 + hajtypes.Base32.EncodeToString(signer.Sign(msgBytes)),
		PublicKey: tagV0 + hajtypes.Base32.EncodeToString(signer.PublicKey()),
	}, nil
}

func UnsignedAnnouncement(msg *Message) (*AnnouncementV2, error) {
	msgBytes, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	return &AnnouncementV2{Message: msgBytes}, nil
}

func (a *AnnouncementV2) Unsign() (*Message, ed25519.PublicKey, error) {
	for _, tagged := range []string{a.Signature, a.PublicKey} {
		if tagged != "" && !strings.HasPrefix(tagged, tagV0) {
			return nil, nil, ErrUnknownKeyFormat
		}
	}

	if (a.Signature == "") != (a.PublicKey == "") {
		return nil, nil, fmt.Errorf("%w: signature and public key must be both present or both absent", ErrMalformedAnnouncement)
	}

	var key ed25519.PublicKey

	if a.Signature != "" {

		claimedKey, err := ParsePublicKey("pub-" + a.PublicKey)
		if err != nil {
			return nil, nil, err
		}

		signature, err := hajtypes.Base32.DecodeString(a.Signature[len(tagV0):])
		if err != nil {
			return nil, nil, ErrBadSignature
		}

		if !Verify(claimedKey, a.Message, signature) {
			return nil, nil, ErrBadSignature
		}

		key = claimedKey
	}

	msg, err := DecodeMessage(a.Message)
	if err != nil {
		return nil, nil, err
	}

	return msg, key, nil
}

func (a *AnnouncementV2) Raw() []byte {
	raw, err := a.MarshalJSON()
	if err != nil { // marshaling three strings cannot fail
		panic(err)
	}

	return raw
}

func (a *AnnouncementV2) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{string(a.Message), a.Signature, a.PublicKey})
}

func (a *AnnouncementV2) UnmarshalJSON(data []byte) error {
	parsed, err := parseV2(data)
	if err != nil {
		return err
	}

	*a = *parsed

	return nil
}

// parses wire format into the matching announcement generation
func ParseAnnouncement(raw []byte) (Announcement, error) {
	return parseV2(raw)
}

func parseV2(raw []byte) (*AnnouncementV2, error) {
	items := []json.RawMessage{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}

	if len(items) != 3 {
		return nil, fmt.Errorf("%w: expecting 3 items, got %d", ErrMalformedAnnouncement, len(items))
	}

	strs := [3]string{}
	for i, item := range items {
		if bytes.Equal(item, []byte("null")) { // null is accepted in place of an empty string
			continue
		}

		if err := json.Unmarshal(item, &strs[i]); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedAnnouncement, i, err)
		}
	}

	return &AnnouncementV2{
		Message:   []byte(strs[0]),
		Signature: strs[1],
		PublicKey: strs[2],
	}, nil
}
