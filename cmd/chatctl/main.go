package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatlink/internal/client"
	"github.com/matheus3301/chatlink/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	profileFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Control a chatlinkd daemon",
	Long:          "Command-line interface for chatlinkd.\nConnect to the chat server, send messages and inspect delivery state.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func activeProfile() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withDaemon dials the active profile's daemon and runs fn with a
// request-scoped context.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	name, err := activeProfile()
	if err != nil {
		return err
	}
	c, err := dial(name)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func dial(name string) (*client.Client, error) {
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot reach daemon for profile %q: %w", name, err)
	}
	return c, nil
}

func printJSON(s *structpb.Struct) error {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}
