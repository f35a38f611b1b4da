package hajutils

import (
	"bytes"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestParseDomainSocketPath(t *testing.T) {
	assert.EqualString(t, ParseDomainSocketPath("domainsocket:///var/run/haj.sock"), "/var/run/haj.sock")
	assert.EqualString(t, ParseDomainSocketPath("domainsocket:/var/run/haj.sock"), "")
	assert.EqualString(t, ParseDomainSocketPath(":8700"), "")
}

func TestWebSocketURL(t *testing.T) {
	wsURL := func(baseURL string) string {
		u, err := WebSocketURL(baseURL, "/api/subscribe")
		if err != nil {
			return err.Error()
		}
		return u
	}

	assert.EqualString(t, wsURL("http://127.0.0.1:8700"), "ws://127.0.0.1:8700/api/subscribe")
	assert.EqualString(t, wsURL("https://intro.example.com/"), "wss://intro.example.com/api/subscribe")
	assert.EqualString(t, wsURL("ws://intro.example.com"), "ws://intro.example.com/api/subscribe")
	assert.EqualString(t, wsURL("ftp://intro.example.com"), "unsupported URL scheme: ftp")
}

func TestOutput(t *testing.T) {
	render := func(humanish bool) string {
		buf := &bytes.Buffer{}

		assert.Assert(t, NewOutput(buf, humanish).Render(map[string]int{"answer": 42}, []string{"Name", "Value"}, func(appendRow func(...string)) {
			appendRow("answer", "42")
		}) == nil)

		return buf.String()
	}

	assert.EqualString(t, render(false), "{\n  \"answer\": 42\n}\n")

	table := render(true)
	assert.Assert(t, strings.Contains(table, "NAME"))
	assert.Assert(t, strings.Contains(table, "| answer |"))
}
