package hajintroducer

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/hajautus/pkg/hajhumanize"
	"github.com/function61/hajautus/pkg/hajutils"
	"github.com/gorilla/mux"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "introducer",
		Short: "Introducer: disseminates server announcements",
	}

	configPath := configFilename
	addr := ""

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the introducer",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			osutil.ExitIfError(func() error {
				exists, err := fileexists.Exists(configPath)
				if err != nil {
					return err
				}

				conf, err := readConfig(configPath, exists)
				if err != nil {
					return err
				}

				if addr != "" {
					conf.ListenAddr = addr
				}

				return Serve(
					osutil.CancelOnInterruptOrTerminate(rootLogger),
					*conf,
					rootLogger)
			}())
		},
	}

	serveCmd.Flags().StringVarP(&configPath, "config", "", configPath, "Config file (defaults used if missing)")
	serveCmd.Flags().StringVarP(&addr, "addr", "", addr, "Address to listen on (overrides config)")

	cmd.AddCommand(serveCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status [url]",
		Short: "Shows announcements & subscribers of a running introducer",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(printStatus(
				osutil.CancelOnInterruptOrTerminate(nil),
				args[0]))
		},
	})

	return cmd
}

func Serve(ctx context.Context, conf Config, logger *log.Logger) error {
	logl := logex.Levels(logger)

	metrics := NewMetrics()

	tasks := taskrunner.New(ctx, logger)

	hub := NewHub(
		conf.DeliveryTimeout.Duration(),
		metrics,
		logex.Prefix("hub", logger),
		func(task func(context.Context) error) {
			tasks.Start("hub", task)
		})

	router := mux.NewRouter()
	defineRestApi(router, hub, metrics, logex.Prefix("restapi", logger))

	listener, err := hajutils.CreateTCPOrDomainSocketListener(conf.ListenAddr, logl)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: metrics.WrapHTTPServer(router),
	}

	tasks.Start("listener "+listener.Addr().String(), func(ctx context.Context) error {
		return httputils.RemoveGracefulServerClosedError(srv.Serve(listener))
	})

	tasks.Start("listenershutdowner", httputils.ServerShutdownTask(srv))

	logl.Info.Printf("introducer listening on %s", listener.Addr().String())

	return tasks.Wait()
}

func printStatus(ctx context.Context, introducerURL string) error {
	status, err := FetchStatus(ctx, introducerURL)
	if err != nil {
		return err
	}

	announcements := tablewriter.NewWriter(os.Stdout)
	announcements.SetHeader([]string{"Index", "Server", "Nickname", "Version", "Received", "Canary"})

	for _, ann := range status.Announcements {
		canary := "-"
		if ann.HasCanary {
			canary = "ok"
			if ann.CanaryLost {
				canary = "lost"
			}
		}

		announcements.Append([]string{
			ann.Index,
			string(ann.ServerID),
			ann.Nickname,
			ann.MyVersion,
			hajhumanize.Duration(time.Since(ann.Received)) + " ago",
			canary,
		})
	}

	announcements.Render()

	subscribers := tablewriter.NewWriter(os.Stdout)
	subscribers.SetHeader([]string{"Subscriber", "Service", "Nickname", "Remote", "Since"})

	for _, sub := range status.Subscribers {
		subscribers.Append([]string{
			sub.ID,
			sub.ServiceName,
			sub.Info.Nickname,
			sub.Info.RemoteAddr,
			sub.Since.Format(time.RFC3339),
		})
	}

	subscribers.Render()

	for _, counter := range allCounters {
		fmt.Printf("%s: %d\n", counter, status.Counters[counter])
	}

	return nil
}
