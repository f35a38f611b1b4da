package hajutils

import (
	"net"
	"os"
	"strings"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
)

// listens on TCP, or on a Unix socket if addr is "domainsocket:///path/to/sock"
func CreateTCPOrDomainSocketListener(addr string, logl *logex.Leveled) (net.Listener, error) {
	if domainSocketPath := ParseDomainSocketPath(addr); domainSocketPath != "" {
		return createDomainSocketListener(domainSocketPath, logl)
	}

	return net.Listen("tcp", addr)
}

func createDomainSocketListener(domainSocketPath string, logl *logex.Leveled) (net.Listener, error) {
	exists, err := fileexists.Exists(domainSocketPath)
	if err != nil {
		return nil, err
	}

	// left behind by an unclean shutdown
	if exists {
		logl.Info.Printf("removing stale socket %s", domainSocketPath)

		if err := os.Remove(domainSocketPath); err != nil {
			return nil, err
		}
	}

	return net.Listen("unix", domainSocketPath)
}

func ParseDomainSocketPath(addr string) string {
	if strings.HasPrefix(addr, "domainsocket://") {
		return addr[len("domainsocket://"):]
	}

	return ""
}
