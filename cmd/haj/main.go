package main

import (
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/osutil"
	"github.com/function61/hajautus/pkg/hajdebug"
	"github.com/function61/hajautus/pkg/hajintroducer"
	"github.com/function61/hajautus/pkg/hajstorage"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   `Hajautus CLI: haj (introducer, storage servers & share placement)`,
		Version: dynversion.Version,
		// hide the default "completion" subcommand from polluting UX (it can still be used). https://github.com/spf13/cobra/issues/1507
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	rootCmd.AddCommand(hajintroducer.Entrypoint())
	rootCmd.AddCommand(hajstorage.Entrypoint())
	rootCmd.AddCommand(hajdebug.PlanEntrypoint())
	rootCmd.AddCommand(hajdebug.Entrypoint())

	osutil.ExitIfError(rootCmd.Execute())
}
