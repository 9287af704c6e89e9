package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"courier/internal/format"
)

var historyLimit int

func init() {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent HTTP responses",
		Run: func(cmd *cobra.Command, args []string) {
			runHistoryList()
		},
	}
	historyCmd.PersistentFlags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum entries to show")

	showCmd := &cobra.Command{
		Use:   "show <response-id>",
		Short: "Show one response with its body",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runHistoryShow(cmd, args[0])
		},
	}

	connectionsCmd := &cobra.Command{
		Use:   "connections",
		Short: "Show recent gRPC connections",
		Run: func(cmd *cobra.Command, args []string) {
			runHistoryConnections()
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events <connection-id>",
		Short: "Replay a connection's event log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runHistoryEvents(args[0])
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <response-id>",
		Short: "Delete a response and its body",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runHistoryDelete(args[0])
		},
	}

	historyCmd.AddCommand(showCmd, connectionsCmd, eventsCmd, rmCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistoryList() {
	store, _ := openStore()
	defer store.Close()

	responses, err := store.ListRecentResponses(historyLimit)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to read history: %v", err))
		os.Exit(1)
	}
	if len(responses) == 0 {
		fmt.Println("No responses recorded yet")
		return
	}
	for i, r := range responses {
		format.PrintResponseSummary(i+1, r)
		fmt.Printf("    id: %s\n", r.ID)
	}
}

func runHistoryShow(cmd *cobra.Command, id string) {
	verbose, _ := cmd.Flags().GetBool("verbose")

	store, _ := openStore()
	defer store.Close()

	resp, err := store.GetResponse(id)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown response %q", id))
		os.Exit(1)
	}

	var body []byte
	if resp.BodyPath != "" {
		body, _ = os.ReadFile(resp.BodyPath)
	}
	format.PrintResponse(resp, body, verbose)
}

func runHistoryConnections() {
	store, _ := openStore()
	defer store.Close()

	connections, err := store.ListRecentConnections(historyLimit)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to read history: %v", err))
		os.Exit(1)
	}
	if len(connections) == 0 {
		fmt.Println("No connections recorded yet")
		return
	}
	for _, c := range connections {
		format.PrintConnection(c)
		fmt.Printf("    id: %s\n", c.ID)
	}
}

func runHistoryEvents(connID string) {
	store, _ := openStore()
	defer store.Close()

	events, err := store.ListEvents(connID)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to read events: %v", err))
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No events for this connection")
		return
	}
	for _, e := range events {
		format.PrintEvent(e)
	}
}

func runHistoryDelete(id string) {
	store, blobs := openStore()
	defer store.Close()

	resp, err := store.GetResponse(id)
	if err != nil {
		format.PrintError(fmt.Sprintf("Unknown response %q", id))
		os.Exit(1)
	}
	if err := store.DeleteResponse(resp.ID); err != nil {
		format.PrintError(fmt.Sprintf("Failed to delete: %v", err))
		os.Exit(1)
	}
	_ = blobs.Delete(resp.ID)
	format.PrintSuccess("Deleted " + resp.ID)
}
