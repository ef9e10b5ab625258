package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/furydcc/server"
	"github.com/TFMV/furydcc/transfer"
)

var (
	// Flags for transfer commands
	sendNick   string
	savePath   string
	acceptWait bool
)

// transfersCmd groups the commands that drive a running node.
var transfersCmd = &cobra.Command{
	Use:     "transfers",
	Aliases: []string{"tx"},
	Short:   "Manage transfers on a running node",
	Long:    `Commands for listing, offering, accepting and cancelling transfers through a node's API.`,
}

// statusCmd prints the node status.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient().Status()
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s\n", status.Status)
		fmt.Printf("  In flight: %d\n", status.InFlight)
		fmt.Printf("  Finished, not acknowledged: %d\n", status.Unacknowledged)
		fmt.Printf("  Completed waiting: %t\n", status.HasCompleted)
		return nil
	},
}

// listCmd lists every transfer.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := apiClient().List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No transfers")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLE\tMODE\tPEER\tFILE\tSTATE\tPROGRESS")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.Role, rec.Mode, rec.Remote.Nick, rec.FileName, describeState(rec), describeProgress(rec))
		}
		return w.Flush()
	},
}

// sendCmd offers a file to a peer.
var sendCmd = &cobra.Command{
	Use:   "send [file_path]",
	Short: "Offer a file to a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// The node opens the file, so hand it an absolute path
		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}

		rec, err := apiClient().Send(sendNick, path)
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

// acceptCmd accepts an offer.
var acceptCmd = &cobra.Command{
	Use:   "accept [transfer_id]",
	Short: "Accept an offered file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := savePath
		if dest != "" {
			abs, err := filepath.Abs(dest)
			if err != nil {
				return fmt.Errorf("failed to resolve save path: %w", err)
			}
			dest = abs
		}

		rec, err := apiClient().Accept(args[0], dest)
		if err != nil {
			return err
		}
		printRecord(rec)
		if acceptWait {
			return watchTransfer(string(rec.ID))
		}
		return nil
	},
}

// rejectCmd declines an offer.
var rejectCmd = &cobra.Command{
	Use:   "reject [transfer_id]",
	Short: "Reject an offered file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient().Reject(args[0])
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

// cancelCmd aborts a transfer.
var cancelCmd = &cobra.Command{
	Use:   "cancel [transfer_id]",
	Short: "Cancel a transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := apiClient().Cancel(args[0])
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

// ackCmd removes finished transfers from the node.
var ackCmd = &cobra.Command{
	Use:   "ack [transfer_id]...",
	Short: "Acknowledge finished transfers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := apiClient()
		for _, id := range args {
			if err := client.Acknowledge(id); err != nil {
				return fmt.Errorf("failed to acknowledge %s: %w", id, err)
			}
			fmt.Printf("Acknowledged %s\n", id)
		}
		return nil
	},
}

func apiClient() *server.Client {
	return server.NewClient(viper.GetString("api.address"))
}

func describeState(rec transfer.Record) string {
	if rec.Reason != transfer.ReasonNone {
		return fmt.Sprintf("%s (%s)", rec.State, rec.Reason)
	}
	return rec.State.String()
}

func describeProgress(rec transfer.Record) string {
	if rec.Size == 0 {
		return fmt.Sprintf("%d B", rec.Progress.Transferred)
	}
	return fmt.Sprintf("%d/%d B (%.0f%%)",
		rec.Progress.Transferred, rec.Size,
		float64(rec.Progress.Transferred)/float64(rec.Size)*100)
}

func printRecord(rec transfer.Record) {
	fmt.Printf("Transfer %s:\n", rec.ID)
	fmt.Printf("  Role: %s (%s)\n", rec.Role, rec.Mode)
	fmt.Printf("  Peer: %s\n", rec.Remote.Nick)
	fmt.Printf("  File: %s\n", rec.FileName)
	if rec.SavePath != "" {
		fmt.Printf("  Save path: %s\n", rec.SavePath)
	}
	fmt.Printf("  State: %s\n", describeState(rec))
	if rec.Error != "" {
		fmt.Printf("  Error: %s\n", rec.Error)
	}
}

func init() {
	rootCmd.AddCommand(transfersCmd)
	rootCmd.AddCommand(statusCmd)

	transfersCmd.AddCommand(listCmd)
	transfersCmd.AddCommand(sendCmd)
	transfersCmd.AddCommand(acceptCmd)
	transfersCmd.AddCommand(rejectCmd)
	transfersCmd.AddCommand(cancelCmd)
	transfersCmd.AddCommand(ackCmd)

	sendCmd.Flags().StringVarP(&sendNick, "to", "n", "", "nick of the peer to send the file to")
	sendCmd.MarkFlagRequired("to")

	acceptCmd.Flags().StringVarP(&savePath, "output", "o", "", "directory or file to save into (default: file_transfer.save_directory)")
	acceptCmd.Flags().BoolVarP(&acceptWait, "wait", "w", false, "show progress until the transfer finishes")
}
