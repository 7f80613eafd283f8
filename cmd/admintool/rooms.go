package admintool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.od2.network/matchmaker/cmd/providers"
	"go.od2.network/matchmaker/pkg/rooms"
)

var roomsCmd = cobra.Command{
	Use:   "rooms",
	Short: "Manage match rooms",
}

func init() {
	Cmd.AddCommand(&roomsCmd)
}

var roomsMigrateCmd = cobra.Command{
	Use:   "migrate",
	Short: "Create the rooms table",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runRoomsMigrate),
}

func init() {
	roomsCmd.AddCommand(&roomsMigrateCmd)
}

func runRoomsMigrate(ctx context.Context, store *rooms.Store) {
	if err := store.CreateTable(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to create table:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

var roomsShowCmd = cobra.Command{
	Use:   "show <matchId>",
	Short: "Print a room",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runRoomsShow),
}

func init() {
	roomsCmd.AddCommand(&roomsShowCmd)
}

func runRoomsShow(ctx context.Context, args []string, store *rooms.Store) {
	room, err := store.Get(ctx, args[0])
	if errors.Is(err, rooms.ErrNotFound) {
		fmt.Println("Unknown match")
		return
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("Match:     ", room.MatchID)
	fmt.Println("Session:   ", room.SessionID)
	fmt.Println("Status:    ", room.Status)
	fmt.Println("Created at:", room.CreatedAt)
	if room.ClosedAt.Valid {
		fmt.Println("Closed at: ", room.ClosedAt.Time)
	}
	fmt.Println("Category:  ", room.Category)
	fmt.Println("Difficulty:", room.Difficulty)
	if room.QuestionID.Valid {
		fmt.Println("Question:  ", room.QuestionID.String)
	}
	for _, p := range room.Participants() {
		fmt.Printf("Participant: %s (%s) conn=%s\n", p.DisplayName, p.UserID, p.ConnectionID)
	}
}

var roomsCloseCmd = cobra.Command{
	Use:   "close <matchId>",
	Short: "Close a room",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runRoomsClose),
}

func init() {
	roomsCmd.AddCommand(&roomsCloseCmd)
}

func runRoomsClose(ctx context.Context, args []string, store *rooms.Store) {
	closed, err := store.Close(ctx, args[0], time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !closed {
		fmt.Println("No open room")
		return
	}
	fmt.Println("OK")
}

var roomsExpireCmd = cobra.Command{
	Use:   "expire",
	Short: "Close all rooms older than --max-age",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runRoomsExpire),
}

func init() {
	roomsExpireCmd.Flags().Duration("max-age", 24*time.Hour, "Max room age")
	roomsCmd.AddCommand(&roomsExpireCmd)
}

func runRoomsExpire(ctx context.Context, cmd *cobra.Command, store *rooms.Store) {
	maxAge, err := cmd.Flags().GetDuration("max-age")
	if err != nil {
		panic(err)
	}
	now := time.Now()
	n, err := store.CloseExpired(ctx, now.Add(-maxAge), now)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("Closed rooms:", n)
}
