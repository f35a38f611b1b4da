// Operator-maintained list of storage indices that must not be served
package hajblacklist

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajtypes"
)

// File format, one entry per line:
//
//	<storage index> <reason>
//
// blank lines and lines starting with # are ignored. The file is re-read when its
// modification time changes, so edits take effect without a restart.
type Blacklist struct {
	path string
	logl *logex.Leveled

	mu      sync.Mutex
	mtime   time.Time
	entries map[hajtypes.StorageIndex]string
}

func New(path string, logger *log.Logger) *Blacklist {
	return &Blacklist{
		path:    path,
		logl:    logex.Levels(logex.NonNil(logger)),
		entries: map[hajtypes.StorageIndex]string{},
	}
}

// returns *hajtypes.FileProhibitedError if si is blacklisted
func (b *Blacklist) Check(si hajtypes.StorageIndex) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reloadIfChanged()

	if reason, prohibited := b.entries[si]; prohibited {
		return &hajtypes.FileProhibitedError{StorageIndex: si, Reason: reason}
	}

	return nil
}

// a broken file keeps the previous list in effect (only logged), so that a typo while
// editing doesn't unblock everything
func (b *Blacklist) reloadIfChanged() {
	info, err := os.Stat(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			if len(b.entries) > 0 {
				b.logl.Info.Println("blacklist file removed; clearing")
			}
			b.entries = map[hajtypes.StorageIndex]string{}
			b.mtime = time.Time{}
		} else {
			b.logl.Error.Printf("blacklist: %v", err)
		}
		return
	}

	if info.ModTime().Equal(b.mtime) {
		return
	}

	file, err := os.Open(b.path)
	if err != nil {
		b.logl.Error.Printf("blacklist: %v", err)
		return
	}
	defer file.Close()

	entries, err := Parse(file)
	if err != nil {
		b.logl.Error.Printf("blacklist: %v; keeping previous", err)
		return
	}

	b.entries = entries
	b.mtime = info.ModTime()

	b.logl.Info.Printf("blacklist loaded with %d entries", len(entries))
}

func Parse(content io.Reader) (map[hajtypes.StorageIndex]string, error) {
	entries := map[hajtypes.StorageIndex]string{}

	lines := bufio.NewScanner(content)
	lineNumber := 0

	for lines.Scan() {
		lineNumber++

		line := strings.TrimSpace(lines.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		siSerialized, reason, _ := strings.Cut(line, " ")

		si, err := hajtypes.StorageIndexFromString(siSerialized)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}

		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = "blacklisted"
		}

		entries[si] = reason
	}

	return entries, lines.Err()
}
