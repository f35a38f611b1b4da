package hajutils

import (
	"fmt"
	"net/url"
	"strings"
)

// "http://introducer.example.com:8700" + "/api/subscribe" => "ws://introducer.example.com:8700/api/subscribe"
func WebSocketURL(baseURL string, path string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + path)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	return u.String(), nil
}
