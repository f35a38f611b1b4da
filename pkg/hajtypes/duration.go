package hajtypes

import (
	"encoding/json"
	"time"
)

// time.Duration that is a Go duration string ("744h") in JSON config files
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	serialized := ""
	if err := json.Unmarshal(data, &serialized); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(serialized)
	if err != nil {
		return err
	}

	*d = Duration(parsed)

	return nil
}
