package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatlink/internal/client"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	connectCmd.Flags().String("token", "", "auth token (defaults to the profile's)")
	disconnectCmd.Flags().String("reason", "chatctl", "close reason sent to the server")
	watchCmd.Flags().String("namespace", "", `event namespace filter ("conn." or "message.")`)

	rootCmd.AddCommand(statusCmd, connectCmd, disconnectCmd, watchCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(st)
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open the server connection and wait for it",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			st, err := c.Connect(ctx, token)
			if err != nil {
				return err
			}
			return printStatus(st)
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Close the server connection without reconnecting",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Disconnect(ctx, reason); err != nil {
				return err
			}
			fmt.Println("Disconnected.")
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, _ := cmd.Flags().GetString("namespace")
		name, err := activeProfile()
		if err != nil {
			return err
		}
		c, err := dial(name)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		return c.Watch(cmd.Context(), ns, func(evt *structpb.Struct) error {
			if jsonFlag {
				return printJSON(evt)
			}
			payload, _ := field(evt, "payload").GetStructValue().MarshalJSON()
			fmt.Printf("%s  %s\n", field(evt, "kind").GetStringValue(), payload)
			return nil
		})
	},
}

func printStatus(st *structpb.Struct) error {
	if jsonFlag {
		return printJSON(st)
	}
	fmt.Printf("State:         %s\n", field(st, "state").GetStringValue())
	fmt.Printf("Session:       %s\n", field(st, "session_id").GetStringValue())
	fmt.Printf("Attempts:      %.0f\n", field(st, "attempts").GetNumberValue())
	fmt.Printf("Latency:       %.0fms\n", field(st, "latency_ms").GetNumberValue())
	fmt.Printf("Pending acks:  %.0f\n", field(st, "pending_acks").GetNumberValue())
	fmt.Printf("Buffered:      %.0f\n", field(st, "buffered").GetNumberValue())
	fmt.Printf("Conversations: %.0f\n", field(st, "conversations").GetNumberValue())
	return nil
}
