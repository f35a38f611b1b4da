package hajsign

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/function61/hajautus/pkg/hajtypes"
)

// uniqueness key of announcements. a second announcement under the same index replaces the first
type Index struct {
	ServiceName string
	Key         string // "pub:" + raw public key for signed, "tubid:" + tub ID for unsigned
}

func (i Index) String() string {
	if strings.HasPrefix(i.Key, "pub:") {
		return i.ServiceName + "/" + encodePublicKey(ed25519.PublicKey(i.Key[len("pub:"):]))
	}

	return i.ServiceName + "/" + i.Key
}

func MakeIndex(msg *Message, key ed25519.PublicKey) (Index, error) {
	if key != nil {
		return Index{ServiceName: msg.ServiceName, Key: "pub:" + string(key)}, nil
	}

	tubID, err := TubIDFromFURL(msg.FURL)
	if err != nil {
		return Index{}, err
	}

	return Index{ServiceName: msg.ServiceName, Key: "tubid:" + tubID}, nil
}

// signed announcers are identified by their key, legacy ones by their transport-layer tub ID
func ServerIDFromAnnouncement(msg *Message, key ed25519.PublicKey) (hajtypes.ServerID, error) {
	if key != nil {
		return ServerIDFromPublicKey(key), nil
	}

	tubID, err := TubIDFromFURL(msg.FURL)
	if err != nil {
		return "", err
	}

	return hajtypes.ServerID("tubid-" + tubID), nil
}

// "pb://<tubid>@<location hints>/<swissnum>" => "<tubid>"
func TubIDFromFURL(furl string) (string, error) {
	const scheme = "pb://"

	if !strings.HasPrefix(furl, scheme) {
		return "", fmt.Errorf("%w: FURL without %s scheme", ErrMalformedAnnouncement, scheme)
	}

	rest := furl[len(scheme):]

	at := strings.IndexByte(rest, '@')
	if at <= 0 {
		return "", fmt.Errorf("%w: FURL without tub ID", ErrMalformedAnnouncement)
	}

	return rest[:at], nil
}
