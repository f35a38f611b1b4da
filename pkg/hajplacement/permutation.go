package hajplacement

import (
	"bytes"
	"sort"

	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/zeebo/blake3"
)

type SeededServer struct {
	ID              hajtypes.ServerID
	PermutationSeed []byte
}

// per-object server ordering. every client computes the same order for the same object,
// and different objects spread over the grid differently
func PermuteServers(si hajtypes.StorageIndex, servers []SeededServer) []SeededServer {
	type keyed struct {
		server SeededServer
		key    [32]byte
	}

	keyedServers := make([]keyed, len(servers))
	for i, server := range servers {
		keyedServers[i] = keyed{
			server: server,
			key:    blake3.Sum256(append(append([]byte{}, server.PermutationSeed...), si[:]...)),
		}
	}

	sort.Slice(keyedServers, func(i, j int) bool {
		if cmp := bytes.Compare(keyedServers[i].key[:], keyedServers[j].key[:]); cmp != 0 {
			return cmp < 0
		}
		return keyedServers[i].server.ID < keyedServers[j].server.ID
	})

	permuted := make([]SeededServer, len(keyedServers))
	for i, k := range keyedServers {
		permuted[i] = k.server
	}

	return permuted
}
