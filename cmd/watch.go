package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var watchInterval time.Duration

// watchCmd follows one transfer until it finishes.
var watchCmd = &cobra.Command{
	Use:   "watch [transfer_id]",
	Short: "Show the progress of a transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchTransfer(args[0])
	},
}

func watchTransfer(id string) error {
	client := apiClient()

	rec, err := client.Get(id)
	if err != nil {
		return err
	}

	total := int64(rec.Size)
	if total == 0 {
		total = -1
	}
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", rec.Role, rec.FileName)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		_ = bar.Set64(int64(rec.Progress.Transferred))
		if rec.State.Terminal() {
			_ = bar.Finish()
			printRecord(rec)
			return nil
		}

		<-ticker.C
		if rec, err = client.Get(id); err != nil {
			return err
		}
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 250*time.Millisecond, "polling interval")
}
