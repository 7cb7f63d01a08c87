package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatlink/internal/client"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	sendCmd.Flags().String("to", "", "receiver user id for private messages")
	sendCmd.Flags().Bool("group", false, "send to a group conversation")
	sendCmd.Flags().String("content-type", "text", "content type")
	sendCmd.Flags().StringSlice("mention", nil, "mentioned user ids")
	sendCmd.Flags().String("quote", "", "message id being replied to")
	sendCmd.Flags().Bool("announcement", false, "mark as a group announcement")

	historyCmd.Flags().Int64("before", 0, "only messages older than this epoch-ms timestamp")
	historyCmd.Flags().Int("limit", 50, "page size")

	rootCmd.AddCommand(sendCmd, retryCmd, timelineCmd, chatsCmd, pendingCmd, historyCmd, readCmd, clearCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		group, _ := cmd.Flags().GetBool("group")
		contentType, _ := cmd.Flags().GetString("content-type")
		mentions, _ := cmd.Flags().GetStringSlice("mention")
		quote, _ := cmd.Flags().GetString("quote")
		announcement, _ := cmd.Flags().GetBool("announcement")

		m := client.Message{
			Type:          "Private",
			ChatID:        args[0],
			ReceiverID:    to,
			ContentType:   contentType,
			Detail:        strings.Join(args[1:], " "),
			Announcement:  announcement,
			MentionedUIDs: mentions,
			QuoteMsgID:    quote,
		}
		if group {
			m.Type = "Group"
		}
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			rec, err := c.Send(ctx, m)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(rec)
			}
			fmt.Printf("Queued %s (%s)\n", field(rec, "message_id").GetStringValue(), field(rec, "status").GetStringValue())
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <chat-id> <message-id>",
	Short: "Re-send a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			rec, err := c.Retry(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(rec)
			}
			fmt.Printf("Retrying %s\n", field(rec, "message_id").GetStringValue())
			return nil
		})
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <chat-id>",
	Short: "Show a conversation in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			tl, err := c.Timeline(ctx, args[0])
			if err != nil {
				return err
			}
			return printMessages(tl)
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages awaiting an ack",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			p, err := c.Pending(ctx)
			if err != nil {
				return err
			}
			return printMessages(p)
		})
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List loaded conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.Conversations(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(resp)
			}
			for _, v := range field(resp, "chat_ids").GetListValue().GetValues() {
				fmt.Println(v.GetStringValue())
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Merge a page of archived history into a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetInt64("before")
		limit, _ := cmd.Flags().GetInt("limit")
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.LoadHistory(ctx, args[0], before, limit)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(resp)
			}
			fmt.Printf("Merged %.0f new message(s)\n", field(resp, "added").GetNumberValue())
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <chat-id> <message-id...>",
	Short: "Mark messages read and send a receipt",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.MarkRead(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(resp)
			}
			fmt.Printf("Marked %.0f message(s) read\n", field(resp, "marked").GetNumberValue())
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <chat-id>",
	Short: "Clear a conversation and drop its pending messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.ClearConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(resp)
			}
			fmt.Printf("Cleared %.0f message(s)\n", field(resp, "cleared").GetNumberValue())
			return nil
		})
	},
}

func printMessages(s *structpb.Struct) error {
	if jsonFlag {
		return printJSON(s)
	}
	for _, v := range field(s, "messages").GetListValue().GetValues() {
		m := v.GetStructValue()
		ts := time.UnixMilli(int64(field(m, "timestamp").GetNumberValue()))
		marker := " "
		if field(m, "from_me").GetBoolValue() {
			marker = ">"
		}
		detail := field(m, "detail").GetStringValue()
		if field(m, "is_revoked").GetBoolValue() {
			detail = "(revoked)"
		}
		fmt.Printf("%s %s %-8s %s  %s: %s\n",
			marker,
			ts.Format("15:04:05"),
			field(m, "status").GetStringValue(),
			field(m, "message_id").GetStringValue(),
			field(m, "sender_id").GetStringValue(),
			detail,
		)
	}
	return nil
}
