package hajdebug

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajintroducer"
	"github.com/function61/hajautus/pkg/hajplacement"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajstorage"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/function61/hajautus/pkg/hajutils"
)

type planOutput struct {
	Assignments []hajplacement.Assignment `json:"assignments"`
	Homeless    []hajtypes.ShareNumber    `json:"homeless"`
	Happiness   int                       `json:"happiness"`
}

func planFile(path string, out *hajutils.Output) error {
	input := hajplacement.Input{}
	if err := jsonfile.Read(path, &input, true); err != nil {
		return err
	}

	return plan(input, nil, out)
}

// nicknames optional
func plan(input hajplacement.Input, nicknames map[hajtypes.ServerID]string, out *hajutils.Output) error {
	result, err := hajplacement.Plan(input)
	if err != nil {
		return err
	}

	output := planOutput{
		Assignments: result.Assignments(),
		Homeless:    result.Homeless,
		Happiness:   result.Happiness(),
	}

	alreadyHeld := func(assignment hajplacement.Assignment) bool {
		for _, held := range input.ServerMap[assignment.Server] {
			if held == assignment.Share {
				return true
			}
		}
		return false
	}

	return out.Render(output, []string{"Share", "Server", "Nickname", "Action"}, func(appendRow func(...string)) {
		for _, assignment := range output.Assignments {
			action := "upload"
			if alreadyHeld(assignment) {
				action = "keep"
			}

			appendRow(
				strconv.Itoa(int(assignment.Share)),
				string(assignment.Server),
				nicknames[assignment.Server],
				action)
		}

		for _, homeless := range output.Homeless {
			appendRow(strconv.Itoa(int(homeless)), "", "", "homeless")
		}

		appendRow("", "", "", fmt.Sprintf("happiness %d", output.Happiness))
	})
}

// subscribes to the introducer, asks each announced server which shares of si it already
// holds and plans over that
func planGrid(
	ctx context.Context,
	introducerURL string,
	si hajtypes.StorageIndex,
	totalShares int,
	settle time.Duration,
	out *hajutils.Output,
) error {
	logger := logex.StandardLogger()
	logl := logex.Levels(logger)

	introducer, err := hajintroducer.NewClient(introducerURL, hajsign.ServiceNameStorage, hajintroducer.SubscriberInfo{
		Nickname:  "haj plan",
		MyVersion: dynversion.Version,
	}, logex.Prefix("introducer", logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var introducerErr error
	introducerDone := make(chan struct{})
	go func() {
		defer close(introducerDone)
		introducerErr = introducer.Task(ctx)
	}()

	defer func() {
		cancel()
		<-introducerDone
	}()

	select {
	case <-introducer.Connected():
	case <-introducerDone:
		return fmt.Errorf("introducer: %v", introducerErr)
	case <-ctx.Done():
		return fmt.Errorf("introducer: %w", ctx.Err())
	}

	// announcements are delivered after the subscribe is acknowledged
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	servers := introducer.Servers()
	if len(servers) == 0 {
		return fmt.Errorf("no storage servers announced at %s", introducerURL)
	}

	nicknames := map[hajtypes.ServerID]string{}
	serverMap := map[hajtypes.ServerID][]hajtypes.ShareNumber{}

	for _, server := range servers {
		nicknames[server.ID] = server.Nickname

		held, err := sharesHeldBy(ctx, server, si)
		if err != nil { // unreachable server only means we don't count its shares
			logl.Error.Printf("%s (%s): %v", server.Nickname, server.ID, err)
			continue
		}

		serverMap[server.ID] = held
	}

	shares := []hajtypes.ShareNumber{}
	for i := 0; i < totalShares; i++ {
		shares = append(shares, hajtypes.ShareNumber(i))
	}

	return plan(introducer.PlacementInput(si, shares, serverMap), nicknames, out)
}

func sharesHeldBy(ctx context.Context, server hajintroducer.GridServer, si hajtypes.StorageIndex) ([]hajtypes.ShareNumber, error) {
	baseURL, err := hajstorage.BaseURLFromFURL(server.FURL)
	if err != nil {
		return nil, err
	}

	shareset, err := hajstorage.NewClient(baseURL, "").ListShares(ctx, si)
	if err != nil {
		return nil, err
	}

	held := []hajtypes.ShareNumber{}
	for _, share := range shareset.Shares {
		held = append(held, hajtypes.ShareNumber(share.ShareNumber))
	}

	return held, nil
}
