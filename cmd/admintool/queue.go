package admintool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/queuekey"
)

var queueCmd = cobra.Command{
	Use:   "queue",
	Short: "Inspect pending match requests",
}

func init() {
	Cmd.AddCommand(&queueCmd)
}

var queueDumpCmd = cobra.Command{
	Use:   "dump",
	Short: "Print all queues and their connections",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runQueueDump),
}

func init() {
	queueCmd.AddCommand(&queueDumpCmd)
}

func runQueueDump(ctx context.Context, store *matchqueue.Store) {
	n, err := store.Len(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("Pending requests:", n)
	queues, err := store.Queues(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, queueKey := range queues {
		members, err := store.QueueMembers(ctx, queueKey)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("%s\t%s\n", describeQueue(queueKey), strings.Join(members, " "))
	}
}

func describeQueue(queueKey string) string {
	s, c, err := queuekey.Decode(queueKey)
	if err != nil {
		return fmt.Sprintf("invalid(%q)", queueKey)
	}
	switch s {
	case queuekey.Category:
		return fmt.Sprintf("%s(category=%s)", s, c.Category)
	case queuekey.Difficulty:
		return fmt.Sprintf("%s(difficulty=%s)", s, c.Difficulty)
	case queuekey.All:
		return fmt.Sprintf("%s(category=%s,difficulty=%s)", s, c.Category, c.Difficulty)
	default:
		return s.String()
	}
}

var queueShowCmd = cobra.Command{
	Use:   "show <conn>",
	Short: "Print the pending request of a connection",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runQueueShow),
}

func init() {
	queueCmd.AddCommand(&queueShowCmd)
}

func runQueueShow(ctx context.Context, args []string, store *matchqueue.Store) {
	req, err := store.Get(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("Connection:  ", req.ConnectionID)
	fmt.Println("User:        ", req.UserID)
	fmt.Println("Display name:", req.DisplayName)
	fmt.Println("Requested at:", req.RequestedAt)
	fmt.Println("Category:    ", req.Category)
	fmt.Println("Difficulty:  ", req.Difficulty)
	for _, queueKey := range req.Queues {
		fmt.Println("Queue:       ", describeQueue(queueKey))
	}
}

var queueCancelCmd = cobra.Command{
	Use:   "cancel <conn>",
	Short: "Withdraw the pending request of a connection",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runQueueCancel),
}

func init() {
	queueCmd.AddCommand(&queueCancelCmd)
}

func runQueueCancel(ctx context.Context, args []string, store *matchqueue.Store) {
	removed, err := store.Remove(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !removed {
		fmt.Println("No pending request")
		return
	}
	fmt.Println("OK")
}
