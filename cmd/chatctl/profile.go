package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/matheus3301/chatlink/internal/config"
	"github.com/matheus3301/chatlink/internal/lock"
	"github.com/matheus3301/chatlink/internal/profile"
	"github.com/spf13/cobra"
)

func init() {
	profileInitCmd.Flags().String("server", "", "chat server websocket URL (ws:// or wss://)")
	profileInitCmd.Flags().String("user", "", "user id")
	profileInitCmd.Flags().String("token", "", "auth token")
	profileInitCmd.Flags().Bool("auto-connect", true, "connect when the daemon starts")
	_ = profileInitCmd.MarkFlagRequired("server")
	_ = profileInitCmd.MarkFlagRequired("user")

	profileCmd.AddCommand(profileInitCmd, profileUseCmd, profileShowCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage profiles",
}

var profileInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a profile config",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := activeProfile()
		if err != nil {
			return err
		}
		p := config.DefaultProfile()
		p.ServerURL, _ = cmd.Flags().GetString("server")
		p.UserID, _ = cmd.Flags().GetString("user")
		p.Token, _ = cmd.Flags().GetString("token")
		p.AutoConnect, _ = cmd.Flags().GetBool("auto-connect")
		if err := p.Validate(); err != nil {
			return err
		}
		path := profile.ProfilePath(name)
		if err := config.SaveProfile(path, p); err != nil {
			return fmt.Errorf("write profile: %w", err)
		}
		fmt.Printf("Profile %q written to %s\n", name, path)
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the default profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := profile.ValidateName(args[0]); err != nil {
			return err
		}
		cfg, err := config.Load(profile.ConfigPath())
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cfg = &config.Config{}
		}
		cfg.DefaultProfile = args[0]
		if err := config.Save(profile.ConfigPath(), cfg); err != nil {
			return err
		}
		fmt.Printf("Default profile set to %q\n", args[0])
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active profile and whether its daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := activeProfile()
		if err != nil {
			return err
		}
		fmt.Printf("Profile: %s\n", name)
		fmt.Printf("Config:  %s\n", profile.ProfilePath(name))

		if p, err := profile.Load(name); err == nil {
			fmt.Printf("Server:  %s\n", p.ServerURL)
			fmt.Printf("User:    %s\n", p.UserID)
		} else {
			fmt.Printf("Config error: %v\n", err)
		}

		owner, err := lock.ReadOwner(profile.Dir(name))
		if err != nil {
			fmt.Println("Daemon:  not running")
			return nil
		}
		fmt.Printf("Daemon:  pid %d since %s\n", owner.PID, owner.Since.Format("2006-01-02 15:04:05"))
		return nil
	},
}
