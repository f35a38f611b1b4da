package hajsign

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MessageVersion = 0

	ServiceNameStorage = "storage"
)

var ErrMalformedAnnouncement = errors.New("malformed announcement")

// keys every announcement message must carry
var requiredMessageKeys = []string{
	"version",
	"service-name",
	"FURL",
	"nickname",
	"my-version",
	"oldest-supported",
	"app-versions",
}

// decoded form of an announcement's message_bytes
type Message struct {
	Version         int
	ServiceName     string
	FURL            string
	Nickname        string
	MyVersion       string
	OldestSupported string
	AppVersions     map[string]interface{}
	Extra           map[string]json.RawMessage // service-specific keys, passed through opaquely
}

func (m *Message) ExtraString(key string) string {
	raw, found := m.Extra[key]
	if !found {
		return ""
	}

	str := ""
	if err := json.Unmarshal(raw, &str); err != nil {
		return ""
	}

	return str
}

func (m *Message) ExtraBool(key string) bool {
	raw, found := m.Extra[key]
	if !found {
		return false
	}

	b := false
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}

	return b
}

func (m *Message) ExtraInt64(key string) int64 {
	raw, found := m.Extra[key]
	if !found {
		return 0
	}

	var num int64
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0
	}

	return num
}

func (m *Message) SetExtra(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if m.Extra == nil {
		m.Extra = map[string]json.RawMessage{}
	}

	m.Extra[key] = raw

	return nil
}

// encoding/json sorts map keys, so a given message always encodes to the same bytes
func EncodeMessage(msg *Message) ([]byte, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	appVersions := msg.AppVersions
	if appVersions == nil {
		appVersions = map[string]interface{}{}
	}

	fields := map[string]interface{}{}
	for key, value := range msg.Extra {
		fields[key] = value
	}

	fields["version"] = msg.Version
	fields["service-name"] = msg.ServiceName
	fields["FURL"] = msg.FURL
	fields["nickname"] = msg.Nickname
	fields["my-version"] = msg.MyVersion
	fields["oldest-supported"] = msg.OldestSupported
	fields["app-versions"] = appVersions

	return json.Marshal(fields)
}

func DecodeMessage(data []byte) (*Message, error) {
	// encoding/json would silently replace invalid sequences, so check before decoding
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: message is not valid UTF-8", ErrMalformedAnnouncement)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}

	for _, key := range requiredMessageKeys {
		if _, found := fields[key]; !found {
			return nil, fmt.Errorf("%w: missing key %s", ErrMalformedAnnouncement, key)
		}
	}

	if string(fields["version"]) == "null" {
		return nil, fmt.Errorf("%w: version is null", ErrMalformedAnnouncement)
	}

	msg := &Message{
		Extra: map[string]json.RawMessage{},
	}

	decodeErrors := []error{
		json.Unmarshal(fields["version"], &msg.Version),
		json.Unmarshal(fields["service-name"], &msg.ServiceName),
		json.Unmarshal(fields["FURL"], &msg.FURL),
		json.Unmarshal(fields["nickname"], &msg.Nickname),
		json.Unmarshal(fields["my-version"], &msg.MyVersion),
		json.Unmarshal(fields["oldest-supported"], &msg.OldestSupported),
		json.Unmarshal(fields["app-versions"], &msg.AppVersions),
	}
	for _, err := range decodeErrors {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
		}
	}

	for key, value := range fields {
		if !isRequiredKey(key) {
			msg.Extra[key] = value
		}
	}

	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	return msg, nil
}

func validateMessage(msg *Message) error {
	if msg.Version != MessageVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedAnnouncement, msg.Version)
	}

	if msg.ServiceName == "" || !isASCII(msg.ServiceName) {
		return fmt.Errorf("%w: service-name must be non-empty ASCII", ErrMalformedAnnouncement)
	}

	if !utf8.ValidString(msg.Nickname) {
		return fmt.Errorf("%w: nickname is not valid UTF-8", ErrMalformedAnnouncement)
	}

	return nil
}

func isRequiredKey(key string) bool {
	for _, required := range requiredMessageKeys {
		if key == required {
			return true
		}
	}

	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}

	return true
}
