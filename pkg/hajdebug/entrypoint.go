// Debug & operator utilities: keys, share paths and placement plans
package hajdebug

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/function61/gokit/osutil"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajstorage"
	"github.com/function61/hajautus/pkg/hajstorage/hajsharestore"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/function61/hajautus/pkg/hajutils"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	debug := &cobra.Command{
		Use:   "debug",
		Short: `Debug utilities`,
	}

	baseDir := "."

	sharePath := &cobra.Command{
		Use:   "share-path [storageIndex] [shareNumber]",
		Short: "Format FS path of a share in a storage server's base dir",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			path, err := sharePathOf(baseDir, args[0], args[1])
			osutil.ExitIfError(err)

			fmt.Println(path)
		},
	}

	sharePath.Flags().StringVarP(&baseDir, "base-dir", "", baseDir, "Base directory")

	debug.AddCommand(sharePath)

	debug.AddCommand(&cobra.Command{
		Use:   "prefix [storageIndex]",
		Short: "Show the crawler prefix of a storage index",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			si, err := hajtypes.StorageIndexFromString(args[0])
			osutil.ExitIfError(err)

			fmt.Println(si.Prefix())
		},
	})

	debug.AddCommand(&cobra.Command{
		Use:   "random-si",
		Short: "Generate a random storage index",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(hajtypes.RandomStorageIndex().String())
		},
	})

	debug.AddCommand(keysEntry())

	return debug
}

func keysEntry() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Signing key utilities",
	}

	keys.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a signing keypair",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			private, public, err := hajsign.MakeKeypair()
			osutil.ExitIfError(err)

			osutil.ExitIfError(printKey(hajutils.StdoutOutput(), private, public))
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "pubkey [privateKeyFile]",
		Short: "Show public key & server ID of a private key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			privateKey, err := os.ReadFile(args[0])
			osutil.ExitIfError(err)

			_, public, err := hajsign.ParsePrivateKey(strings.TrimSpace(string(privateKey)))
			osutil.ExitIfError(err)

			osutil.ExitIfError(printKey(hajutils.StdoutOutput(), "", public))
		},
	})

	return keys
}

type keyOutput struct {
	PrivateKey string            `json:"private_key,omitempty"`
	PublicKey  string            `json:"public_key"`
	ShortID    string            `json:"short_id"`
	ServerID   hajtypes.ServerID `json:"server_id"`
}

func printKey(out *hajutils.Output, private string, public string) error {
	publicKey, err := hajsign.ParsePublicKey(public)
	if err != nil {
		return err
	}

	key := keyOutput{
		PrivateKey: private,
		PublicKey:  public,
		ShortID:    hajsign.ShortID(public),
		ServerID:   hajsign.ServerIDFromPublicKey(publicKey),
	}

	return out.Render(key, []string{"Property", "Value"}, func(appendRow func(...string)) {
		if key.PrivateKey != "" {
			appendRow("Private key", key.PrivateKey)
		}

		appendRow("Public key", key.PublicKey)
		appendRow("Short ID", key.ShortID)
		appendRow("Server ID", string(key.ServerID))
	})
}

func sharePathOf(baseDir string, siSerialized string, shnumSerialized string) (string, error) {
	si, err := hajtypes.StorageIndexFromString(siSerialized)
	if err != nil {
		return "", err
	}

	shnum, err := strconv.Atoi(shnumSerialized)
	if err != nil || shnum < 0 {
		return "", fmt.Errorf("bad share number: %s", shnumSerialized)
	}

	return hajsharestore.New(hajstorage.SharesDir(baseDir), nil).Path(si, hajtypes.ShareNumber(shnum)), nil
}

// placement planning over a file or a live grid
func PlanEntrypoint() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan [input.json]",
		Short: "Plan share placement for a planner input file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(planFile(args[0], hajutils.StdoutOutput()))
		},
	}

	introducerURL := "http://localhost:8700"
	totalShares := 10
	settle := 2 * time.Second

	grid := &cobra.Command{
		Use:   "grid [storageIndex]",
		Short: "Plan share placement over servers announced at the introducer",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			si, err := hajtypes.StorageIndexFromString(args[0])
			osutil.ExitIfError(err)

			osutil.ExitIfError(planGrid(
				osutil.CancelOnInterruptOrTerminate(nil),
				introducerURL,
				si,
				totalShares,
				settle,
				hajutils.StdoutOutput()))
		},
	}

	grid.Flags().StringVarP(&introducerURL, "introducer", "", introducerURL, "Introducer URL")
	grid.Flags().IntVarP(&totalShares, "shares", "n", totalShares, "Total number of shares (N)")
	grid.Flags().DurationVarP(&settle, "settle", "", settle, "How long to wait for announcements after connecting")

	plan.AddCommand(grid)

	return plan
}
