// Ed25519 signing keys and detached signatures over announcements.
//
// Keys are serialized as tagged base32 strings: "priv-v0-<seed>" and "pub-v0-<point>".
package hajsign

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"

	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/minio/sha256-simd"
)

const (
	tagV0            = "v0-"
	privateKeyPrefix = "priv-" + tagV0
	publicKeyPrefix  = "pub-" + tagV0

	shortIDLength = 8
)

var (
	ErrBadKeyFormat     = errors.New("bad key format")
	ErrUnknownKeyFormat = errors.New("unknown key format")
	ErrBadSignature     = errors.New("bad signature")
)

type Signer struct {
	private ed25519.PrivateKey
}

// returns (private_tagged, public_tagged)
func MakeKeypair() (string, string, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}

	return privateKeyPrefix + hajtypes.Base32.EncodeToString(private.Seed()), encodePublicKey(public), nil
}

// returns signer and the matching tagged public key
func ParsePrivateKey(tagged string) (*Signer, string, error) {
	seed, err := decodeTagged(tagged, privateKeyPrefix, ed25519.SeedSize)
	if err != nil {
		return nil, "", err
	}

	signer := &Signer{ed25519.NewKeyFromSeed(seed)}

	return signer, signer.PublicKeyTagged(), nil
}

func ParsePublicKey(tagged string) (ed25519.PublicKey, error) {
	point, err := decodeTagged(tagged, publicKeyPrefix, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}

	return ed25519.PublicKey(point), nil
}

// deterministic (Ed25519 signatures do not use a nonce from a RNG)
func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.private, message)
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.private.Public().(ed25519.PublicKey)
}

func (s *Signer) PublicKeyTagged() string {
	return encodePublicKey(s.PublicKey())
}

// signature comparison inside ed25519.Verify is constant-time
func Verify(publicKey []byte, message []byte, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// human-friendly identifier: first 8 characters of the public key body
func ShortID(publicTagged string) string {
	body := strings.TrimPrefix(publicTagged, publicKeyPrefix)
	if len(body) < shortIDLength {
		return body
	}

	return body[:shortIDLength]
}

func ServerIDFromPublicKey(publicKey []byte) hajtypes.ServerID {
	digest := sha256.Sum256(publicKey)

	return hajtypes.ServerID(tagV0 + hajtypes.Base32.EncodeToString(digest[:]))
}

func encodePublicKey(public ed25519.PublicKey) string {
	return publicKeyPrefix + hajtypes.Base32.EncodeToString(public)
}

func decodeTagged(tagged string, prefix string, expectedLen int) ([]byte, error) {
	if !strings.HasPrefix(tagged, prefix) {
		return nil, ErrBadKeyFormat
	}

	raw, err := hajtypes.Base32.DecodeString(tagged[len(prefix):])
	if err != nil || len(raw) != expectedLen {
		return nil, ErrBadKeyFormat
	}

	return raw, nil
}
