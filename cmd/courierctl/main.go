// courierctl inspects and adjusts a profile's delivery state by opening the
// store directly. It is a maintenance tool: the daemon keeps running, SQLite
// WAL lets both sides read, and the only writes courierctl does are the
// explicit clear-expiration updates.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jfcarvalho/courier/internal/home"
	"github.com/jfcarvalho/courier/internal/store"
)

var profileFlag string

var rootCmd = &cobra.Command{
	Use:          "courierctl",
	Short:        "Inspect and adjust courier delivery state",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return home.ValidateProfile(home.Resolve(profileFlag))
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides default)")
	rootCmd.AddCommand(queueCmd(), conversationsCmd(), itemsCmd(), itemCmd(), receiptsCmd(), clearExpirationCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*store.DB, error) {
	return store.Open(home.DBPath(home.Resolve(profileFlag)))
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List conversations with queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			convs, err := db.ConversationsWithQueued()
			if err != nil {
				return err
			}
			t := newTable("CONVERSATION", "QUEUED")
			for _, id := range convs {
				items, err := db.QueuedItems(id)
				if err != nil {
					return err
				}
				t.AppendRow(table.Row{id, len(items)})
			}
			t.Render()
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			convs, err := db.ListConversations(limit)
			if err != nil {
				return err
			}
			t := newTable("ID", "KIND", "STATE", "REASON", "REJOIN")
			for _, c := range convs {
				rejoin := ""
				if c.RejoinHandle != "" {
					rejoin = "yes"
				}
				t.AppendRow(table.Row{c.ID, c.Kind, c.State, c.Reason, rejoin})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max conversations to list")
	return cmd
}

func itemsCmd() *cobra.Command {
	var limit int
	var before int64
	cmd := &cobra.Command{
		Use:   "items <conversation-id>",
		Short: "List a conversation's items, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			items, err := db.ListItems(args[0], before, limit)
			if err != nil {
				return err
			}
			t := newTable("ID", "DIR", "STATUS", "REASON", "CREATED", "DELIVERED", "DISPLAYED", "EXPIRED")
			for _, it := range items {
				t.AppendRow(table.Row{
					it.ID, it.Direction, it.Status, it.Reason,
					fmtTs(it.CreatedAt), fmtTs(it.DeliveredAt), fmtTs(it.DisplayedAt), it.Expired,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max items to list")
	cmd.Flags().Int64Var(&before, "before", 0, "keyset cursor: created-at upper bound, Unix ms")
	return cmd
}

func itemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "item <item-id>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			it, err := db.GetItem(args[0])
			if err != nil {
				return err
			}
			if it == nil {
				return fmt.Errorf("item %s not found", args[0])
			}
			t := newTable("FIELD", "VALUE")
			t.AppendRow(table.Row{"id", it.ID})
			t.AppendRow(table.Row{"conversation", it.ConversationID})
			t.AppendRow(table.Row{"kind", it.Kind})
			t.AppendRow(table.Row{"direction", it.Direction})
			t.AppendRow(table.Row{"status", it.Status})
			t.AppendRow(table.Row{"reason", it.Reason})
			t.AppendRow(table.Row{"created", fmtTs(it.CreatedAt)})
			t.AppendRow(table.Row{"delivered", fmtTs(it.DeliveredAt)})
			t.AppendRow(table.Row{"displayed", fmtTs(it.DisplayedAt)})
			t.AppendRow(table.Row{"expires", fmtTs(it.ExpiresAt)})
			t.AppendRow(table.Row{"expired", it.Expired})
			if it.IsTransfer {
				t.AppendRow(table.Row{"file", it.FileName})
				t.AppendRow(table.Row{"size", it.FileSize})
				t.AppendRow(table.Row{"transferred", it.Transferred})
			}
			t.Render()
			return nil
		},
	}
}

func receiptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipts <item-id>",
		Short: "Show per-recipient delivery records for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			rcpts, err := db.ListReceipts(args[0])
			if err != nil {
				return err
			}
			t := newTable("RECIPIENT", "STATUS", "REASON", "DELIVERED", "DISPLAYED")
			for _, r := range rcpts {
				t.AppendRow(table.Row{r.Recipient, r.Status, r.Reason, fmtTs(r.DeliveredAt), fmtTs(r.DisplayedAt)})
			}
			t.Render()
			return nil
		},
	}
}

func clearExpirationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-expiration <item-id>...",
		Short: "Remove the delivery deadline from items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			n, err := db.ClearExpiration(args)
			if err != nil {
				return err
			}
			fmt.Println("cleared " + strconv.FormatInt(n, 10) + " item(s)")
			return nil
		},
	}
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row(headers))
	t.SetStyle(table.StyleLight)
	return t
}

func fmtTs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}
