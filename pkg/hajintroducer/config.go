package hajintroducer

import (
	"time"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/hajautus/pkg/hajtypes"
)

const configFilename = "introducer.json"

type Config struct {
	ListenAddr      string            `json:"listen_addr"`
	DeliveryTimeout hajtypes.Duration `json:"delivery_timeout"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":8700",
		DeliveryTimeout: hajtypes.Duration(30 * time.Second),
	}
}

// missing config file means defaults
func readConfig(path string, exists bool) (*Config, error) {
	conf := defaultConfig()

	if !exists {
		return &conf, nil
	}

	if err := jsonfile.Read(path, &conf, true); err != nil {
		return nil, err
	}

	return &conf, nil
}
