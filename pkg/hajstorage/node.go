package hajstorage

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/hajautus/pkg/hajintroducer"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajtypes"
)

const (
	furlSwissnum    = "storage"
	oldestSupported = "1"
)

// signing identity of this storage server
type nodeIdentity struct {
	signer    *hajsign.Signer
	publicKey string // tagged
	serverID  hajtypes.ServerID
}

func readNodeIdentity(baseDir string) (*nodeIdentity, error) {
	content, err := os.ReadFile(filepath.Join(baseDir, privateKeyFilename))
	if err != nil {
		return nil, err
	}

	signer, publicKey, err := hajsign.ParsePrivateKey(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", privateKeyFilename, err)
	}

	return &nodeIdentity{
		signer:    signer,
		publicKey: publicKey,
		serverID:  hajsign.ServerIDFromPublicKey(signer.PublicKey()),
	}, nil
}

// "pb://<short id>@tcp:<host>:<port>/storage". the location hint tells clients where our
// REST API is
func (n *nodeIdentity) furl(advertisedAddr string) string {
	return fmt.Sprintf("pb://%s@tcp:%s/%s", hajsign.ShortID(n.publicKey), advertisedAddr, furlSwissnum)
}

// builds & signs our storage announcement. usage is the space taken by leased shares.
func (n *nodeIdentity) announcement(conf Config, usage int64) (*hajsign.AnnouncementV2, error) {
	msg := &hajsign.Message{
		Version:         hajsign.MessageVersion,
		ServiceName:     hajsign.ServiceNameStorage,
		FURL:            n.furl(conf.AdvertisedAddr),
		Nickname:        conf.Nickname,
		MyVersion:       dynversion.Version,
		OldestSupported: oldestSupported,
		AppVersions:     map[string]interface{}{},
	}

	extras := map[string]interface{}{
		hajintroducer.ExtraPermutationSeed: hajtypes.Base32.EncodeToString(n.signer.PublicKey()),
		hajintroducer.ExtraReadonly:        conf.Readonly,
		hajintroducer.ExtraClaimedUsage:    usage,
	}

	for key, value := range extras {
		if err := msg.SetExtra(key, value); err != nil {
			return nil, err
		}
	}

	return hajsign.SignAnnouncement(n.signer, msg)
}

// resolves a storage server's REST API base URL from the FURL it announced
func BaseURLFromFURL(furl string) (string, error) {
	if _, err := hajsign.TubIDFromFURL(furl); err != nil {
		return "", err
	}

	// "pb://<tubid>@tcp:<host>:<port>/<swissnum>"
	hints := furl[strings.IndexByte(furl, '@')+1:]
	if slash := strings.IndexByte(hints, '/'); slash != -1 {
		hints = hints[:slash]
	}

	// multiple hints are comma-separated. first usable one wins
	for _, hint := range strings.Split(hints, ",") {
		addr, isTCP := strings.CutPrefix(hint, "tcp:")
		if !isTCP {
			continue
		}

		if _, _, err := net.SplitHostPort(addr); err != nil {
			continue
		}

		return "http://" + addr, nil
	}

	return "", fmt.Errorf("no usable location hint in FURL %s", furl)
}
