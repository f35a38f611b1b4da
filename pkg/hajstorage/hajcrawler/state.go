package hajcrawler

import (
	"encoding/json"
	"io"
	"time"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
)

const historyMaxCycles = 10

// Persisted crawl cursor. Deleting the file makes the next run start a cycle from scratch.
type State struct {
	Cycle        int            `json:"cycle"`
	CycleStarted time.Time      `json:"cycle_started"` // zero = no cycle in progress
	LastPrefix   string         `json:"last_prefix"`   // last fully processed prefix of current cycle
	CurrentCycle CycleSummary   `json:"current_cycle"`
	History      []CycleSummary `json:"history"` // most recent first
}

// counters of one crawl cycle
type CycleSummary struct {
	Cycle            int       `json:"cycle"`
	Started          time.Time `json:"started"`
	Finished         time.Time `json:"finished"`
	SharesExamined   int       `json:"shares_examined"`
	StarterLeases    int       `json:"starter_leases"`
	VanishedShares   int       `json:"vanished_shares"`
	AbandonedShares  int       `json:"abandoned_shares"`
	SpaceCorrections int       `json:"space_corrections"`
	LeasesExpired    int       `json:"leases_expired"`
	SharesDeleted    int       `json:"shares_deleted"`
	BytesDeleted     int64     `json:"bytes_deleted"`
}

func (s *State) recordFinished(summary CycleSummary) {
	s.History = append([]CycleSummary{summary}, s.History...)
	if len(s.History) > historyMaxCycles {
		s.History = s.History[:historyMaxCycles]
	}
}

// missing state means "start over"
func readState(path string) (*State, error) {
	exists, err := fileexists.Exists(path)
	if err != nil || !exists {
		return &State{}, err
	}

	state := &State{}
	if err := jsonfile.Read(path, state, false); err != nil {
		return nil, err
	}

	return state, nil
}

func writeState(path string, state *State) error {
	return atomicfilewrite.Write(path, func(sink io.Writer) error {
		encoder := json.NewEncoder(sink)
		encoder.SetIndent("", "  ")
		return encoder.Encode(state)
	})
}
