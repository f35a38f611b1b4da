package hajplacement

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/samber/lo"
)

type sid = hajtypes.ServerID
type shnum = hajtypes.ShareNumber

func TestDiversePlacement(t *testing.T) {
	result, err := Plan(Input{
		Servers: []sid{"s1", "s2", "s3", "s4"},
		Shares:  []shnum{0, 1, 2, 3},
	})
	assert.Assert(t, err == nil)

	assert.Assert(t, result.Happiness() == 4)
	assert.Assert(t, len(result.Homeless) == 0)
	assert.EqualString(t, assignmentsAsString(result), "0:s1 1:s2 2:s3 3:s4")
}

func TestReadonlyReuse(t *testing.T) {
	result, err := Plan(Input{
		Servers:         []sid{"s1", "s2", "s3", "s4"},
		ReadonlyServers: []sid{"s1"},
		Shares:          []shnum{0, 1, 2},
		ServerMap: map[sid][]shnum{
			"s1": {0},
			"s2": {1},
		},
	})
	assert.Assert(t, err == nil)

	assert.Assert(t, result.Happiness() == 3)
	assert.EqualString(t, string(result.Placement[0]), "s1")
	assert.EqualString(t, string(result.Placement[1]), "s2")
	assert.Assert(t, result.Placement[2] == "s3" || result.Placement[2] == "s4")
}

func TestUnderProvisioned(t *testing.T) {
	result, err := Plan(Input{
		Servers: []sid{"s1", "s2"},
		Shares:  []shnum{0, 1, 2, 3},
	})
	assert.Assert(t, err == nil)

	assert.Assert(t, result.Happiness() == 2)
	assert.Assert(t, len(result.Homeless) == 0)
	// least loaded first, ties by server id
	assert.EqualString(t, assignmentsAsString(result), "0:s1 1:s2 2:s1 3:s2")
}

func TestHomelessGoesBackToPreviousHolder(t *testing.T) {
	result, err := Plan(Input{
		Servers:         []sid{"s1", "s2"},
		ReadonlyServers: []sid{"s1"},
		Shares:          []shnum{0, 1, 2},
		ServerMap: map[sid][]shnum{
			"s1": {0, 1, 2},
		},
	})
	assert.Assert(t, err == nil)

	// matching gives s1 and s2 one share each. share 2 is still on s1, so it stays there
	assert.Assert(t, result.Happiness() == 2)
	assert.EqualString(t, assignmentsAsString(result), "0:s1 1:s2 2:s1")
}

func TestNoWritableServers(t *testing.T) {
	result, err := Plan(Input{
		Servers:         []sid{"s1"},
		ReadonlyServers: []sid{"s1"},
		Shares:          []shnum{0, 1},
		ServerMap: map[sid][]shnum{
			"s1": {1},
		},
	})
	assert.Assert(t, err == nil)

	assert.EqualString(t, assignmentsAsString(result), "1:s1")
	assert.Assert(t, len(result.Homeless) == 1 && result.Homeless[0] == 0)
}

func TestInvalidInputs(t *testing.T) {
	tcs := []struct {
		input       Input
		expectedErr string
	}{
		{
			Input{Servers: []sid{"s1"}, ReadonlyServers: []sid{"s2"}, Shares: []shnum{0}},
			"placement invariant violated: readonly server s2 not in servers",
		},
		{
			Input{Servers: []sid{"s1"}, Shares: []shnum{0}, ServerMap: map[sid][]shnum{"s9": {0}}},
			"placement invariant violated: servermap server s9 not in servers",
		},
		{
			Input{Servers: []sid{"s1"}, Shares: []shnum{0}, ServerMap: map[sid][]shnum{"s1": {5}}},
			"placement invariant violated: servermap share 5 (on s1) not in shares",
		},
		{
			Input{Servers: []sid{"s1"}, Shares: []shnum{-1}},
			"placement invariant violated: negative share number -1",
		},
	}

	for _, tc := range tcs {
		tc := tc // pin
		t.Run(tc.expectedErr, func(t *testing.T) {
			_, err := Plan(tc.input)
			assert.EqualString(t, err.Error(), tc.expectedErr)

			_, isInvariantError := err.(*InvariantError)
			assert.Assert(t, isInvariantError)
		})
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	input := Input{
		Servers:         []sid{"s5", "s3", "s1", "s4", "s2"},
		ReadonlyServers: []sid{"s4"},
		Shares:          []shnum{6, 2, 0, 1, 5, 3, 4},
		ServerMap: map[sid][]shnum{
			"s4": {0, 1},
			"s2": {1, 2},
			"s5": {2},
		},
	}

	first := mustPlanJSON(t, input)
	for i := 0; i < 20; i++ {
		assert.EqualString(t, mustPlanJSON(t, input), first)
	}
}

// compares against exhaustive search over every valid placement on small random grids
func TestPlanIsOptimal(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	for round := 0; round < 300; round++ {
		input := randomInput(rnd)

		result, err := Plan(input)
		assert.Assert(t, err == nil)

		checkInvariants(t, input, result)

		if best := bruteForceHappiness(input); result.Happiness() != best {
			t.Fatalf("round %d: happiness %d, optimum %d (input %+v)", round, result.Happiness(), best, input)
		}
	}
}

func checkInvariants(t *testing.T, input Input, result *Result) {
	t.Helper()

	for share, server := range result.Placement {
		assert.Assert(t, lo.Contains(input.Servers, server))
		assert.Assert(t, lo.Contains(input.Shares, share))

		if lo.Contains(input.ReadonlyServers, server) {
			assert.Assert(t, lo.Contains(input.ServerMap[server], share))
		}
	}

	// every share is either placed or homeless
	for _, share := range input.Shares {
		_, placed := result.Placement[share]
		assert.Assert(t, placed != lo.Contains(result.Homeless, share))
	}
}

func bruteForceHappiness(input Input) int {
	candidates := func(share shnum) []sid {
		return lo.Filter(input.Servers, func(server sid, _ int) bool {
			return !lo.Contains(input.ReadonlyServers, server) || lo.Contains(input.ServerMap[server], share)
		})
	}

	best := 0

	var search func(idx int, chosen []sid)
	search = func(idx int, chosen []sid) {
		if idx == len(input.Shares) {
			if happiness := len(lo.Uniq(chosen)); happiness > best {
				best = happiness
			}
			return
		}

		// leaving a share unplaced never helps, but an unplaceable share has no candidates
		cands := candidates(input.Shares[idx])
		if len(cands) == 0 {
			search(idx+1, chosen)
			return
		}

		for _, server := range cands {
			search(idx+1, append(append([]sid{}, chosen...), server))
		}
	}
	search(0, nil)

	return best
}

func randomInput(rnd *rand.Rand) Input {
	numServers := 1 + rnd.Intn(4)
	numShares := 1 + rnd.Intn(6-numServers+1)

	input := Input{ServerMap: map[sid][]shnum{}}

	for i := 0; i < numServers; i++ {
		server := sid(fmt.Sprintf("s%d", i+1))
		input.Servers = append(input.Servers, server)

		if rnd.Intn(3) == 0 {
			input.ReadonlyServers = append(input.ReadonlyServers, server)
		}
	}

	for i := 0; i < numShares; i++ {
		input.Shares = append(input.Shares, shnum(i))
	}

	for _, server := range input.Servers {
		for _, share := range input.Shares {
			if rnd.Intn(3) == 0 {
				input.ServerMap[server] = append(input.ServerMap[server], share)
			}
		}
	}

	return input
}

func assignmentsAsString(result *Result) string {
	parts := lo.Map(result.Assignments(), func(a Assignment, _ int) string {
		return fmt.Sprintf("%d:%s", a.Share, a.Server)
	})

	out := ""
	for i, part := range parts {
		if i > 0 {
			out += " "
		}
		out += part
	}
	return out
}

func mustPlanJSON(t *testing.T, input Input) string {
	result, err := Plan(input)
	assert.Assert(t, err == nil)

	asJSON, err := json.Marshal(result)
	assert.Assert(t, err == nil)

	return string(asJSON)
}
