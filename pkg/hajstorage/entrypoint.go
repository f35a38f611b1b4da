package hajstorage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/hajautus/pkg/hajhumanize"
	"github.com/function61/hajautus/pkg/hajutils"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Storage server: stores shares & accounts for them with leases",
	}

	cmd.AddCommand(initEntry())

	baseDir := "."

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the storage server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			osutil.ExitIfError(Serve(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				baseDir,
				rootLogger))
		},
	}

	serveCmd.Flags().StringVarP(&baseDir, "base-dir", "", baseDir, "Base directory")

	cmd.AddCommand(serveCmd)

	serverURL := "http://localhost:8701"

	for _, clientCmd := range []*cobra.Command{
		{
			Use:   "status",
			Short: "Shows status of a running storage server",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				osutil.ExitIfError(printStatus(
					osutil.CancelOnInterruptOrTerminate(nil),
					NewClient(serverURL, "")))
			},
		},
		{
			Use:   "accounts",
			Short: "Lists accounts & their usage",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				osutil.ExitIfError(printAccounts(
					osutil.CancelOnInterruptOrTerminate(nil),
					NewClient(serverURL, "")))
			},
		},
		{
			Use:   "unleased",
			Short: "Lists shares that no one holds a lease on (= candidates for deletion)",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				osutil.ExitIfError(printUnleased(
					osutil.CancelOnInterruptOrTerminate(nil),
					NewClient(serverURL, "")))
			},
		},
		{
			Use:   "trigger [job]",
			Short: "Runs a scheduled job (" + jobAccountingCrawl + ", " + jobLeaseExpiry + ") now",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				osutil.ExitIfError(NewClient(serverURL, "").TriggerJob(
					osutil.CancelOnInterruptOrTerminate(nil),
					args[0]))
			},
		},
	} {
		clientCmd.Flags().StringVarP(&serverURL, "url", "", serverURL, "Storage server URL")

		cmd.AddCommand(clientCmd)
	}

	return cmd
}

func initEntry() *cobra.Command {
	baseDir := "."
	conf := DefaultConfig("")

	cmd := &cobra.Command{
		Use:   "init [nickname]",
		Short: "Initializes a base directory for a storage server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			conf.Nickname = args[0]

			osutil.ExitIfError(Init(baseDir, conf, logex.StandardLogger()))
		},
	}

	cmd.Flags().StringVarP(&baseDir, "base-dir", "", baseDir, "Base directory")
	cmd.Flags().StringVarP(&conf.IntroducerURL, "introducer", "", conf.IntroducerURL, "Introducer URL to announce to")
	cmd.Flags().StringVarP(&conf.ListenAddr, "addr", "", conf.ListenAddr, "Address to listen on")
	cmd.Flags().StringVarP(&conf.AdvertisedAddr, "advertise", "", conf.AdvertisedAddr, "host:port that clients can reach the server at")
	cmd.Flags().BoolVarP(&conf.Readonly, "readonly", "", conf.Readonly, "Don't accept new shares")

	return cmd
}

func printStatus(ctx context.Context, client *Client) error {
	status, err := client.Status(ctx)
	if err != nil {
		return err
	}

	return hajutils.StdoutOutput().Render(status, []string{"Property", "Value"}, func(appendRow func(...string)) {
		appendRow("Server ID", string(status.ServerID))
		appendRow("Nickname", status.Nickname)
		appendRow("Version", status.Version)
		appendRow("FURL", status.FURL)
		appendRow("Readonly", strconv.FormatBool(status.Readonly))
		appendRow("Leased shares", strconv.Itoa(status.LeasedShares))
		appendRow("Used space", hajhumanize.Bytes(status.UsedSpace))
		appendRow("Sharesets", strconv.Itoa(status.Sharesets))
		appendRow("Available space", hajhumanize.Bytes(status.AvailableSpace))

		if crawler := status.Crawler; crawler != nil {
			if !crawler.CycleStarted.IsZero() {
				appendRow("Crawler", fmt.Sprintf("cycle %d at prefix %s", crawler.Cycle, crawler.LastPrefix))
			}

			for _, cycle := range crawler.History {
				appendRow(
					fmt.Sprintf("Cycle %d", cycle.Cycle),
					fmt.Sprintf(
						"%s: %d examined, %d leases expired, %d shares deleted (%s)",
						hajhumanize.Relative(cycle.Finished, time.Now()),
						cycle.SharesExamined,
						cycle.LeasesExpired,
						cycle.SharesDeleted,
						hajhumanize.Bytes(cycle.BytesDeleted)))
			}
		}

		for _, job := range status.Jobs {
			state := "next " + hajhumanize.Relative(job.NextRun, time.Now())
			if job.Running {
				state = "running"
			}

			if job.LastRun != nil && job.LastRun.Error != "" {
				state += ", last run failed: " + job.LastRun.Error
			}

			appendRow("Job "+job.ID, state)
		}
	})
}

func printAccounts(ctx context.Context, client *Client) error {
	accounts, err := client.Accounts(ctx)
	if err != nil {
		return err
	}

	return hajutils.StdoutOutput().Render(accounts, []string{"Owner", "Key", "Created", "Usage"}, func(appendRow func(...string)) {
		for _, account := range accounts {
			appendRow(
				strconv.FormatUint(account.Owner, 10),
				account.PublicKey,
				account.Created.Format(time.RFC3339),
				hajhumanize.Bytes(account.Usage))
		}
	})
}

func printUnleased(ctx context.Context, client *Client) error {
	shares, err := client.UnleasedShares(ctx)
	if err != nil {
		return err
	}

	return hajutils.StdoutOutput().Render(shares, []string{"Storage index", "Share", "Size"}, func(appendRow func(...string)) {
		for _, share := range shares {
			appendRow(share.StorageIndex, strconv.Itoa(share.ShareNumber), hajhumanize.Bytes(share.Size))
		}
	})
}
