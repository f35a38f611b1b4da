package hajstorage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajstorage/hajleasedb"
)

// creates a new storage server base dir: config, signing key, lease DB and share tree
func Init(baseDir string, conf Config, logger *log.Logger) error {
	logl := logex.Levels(logex.NonNil(logger))

	if err := conf.Validate(); err != nil {
		return err
	}

	configPath := filepath.Join(baseDir, configFilename)

	exists, err := fileexists.Exists(configPath)
	if err != nil {
		return err
	}

	if exists {
		return fmt.Errorf("already initialized: %s exists", configPath)
	}

	for _, dir := range []string{
		SharesDir(baseDir),
		filepath.Dir(filepath.Join(baseDir, privateKeyFilename)),
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	privateKey, publicKey, err := hajsign.MakeKeypair()
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(baseDir, privateKeyFilename), []byte(privateKey+"\n"), 0600); err != nil {
		return err
	}

	db, err := hajleasedb.Open(filepath.Join(baseDir, leaseDBFilename), logger)
	if err != nil {
		return err
	}

	if err := db.Close(); err != nil {
		return err
	}

	// last, so that a half-done init can be re-run
	if err := writeConfig(baseDir, conf); err != nil {
		return err
	}

	logl.Info.Printf("initialized %s with key %s", baseDir, publicKey)

	return nil
}
