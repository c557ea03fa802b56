package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/modmail/internal/category"
	"github.com/zulandar/modmail/internal/models"
)

func newCategoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "category",
		Aliases: []string{"cat"},
		Short:   "Manage staff categories",
	}

	cmd.AddCommand(newCategoryAddCmd())
	cmd.AddCommand(newCategoryListCmd())
	cmd.AddCommand(newCategoryRenameCmd())
	cmd.AddCommand(newCategoryEmojiCmd())
	cmd.AddCommand(newCategoryPrivateCmd())
	cmd.AddCommand(newCategoryDeactivateCmd())
	cmd.AddCommand(newCategoryReactivateCmd())
	cmd.AddCommand(newCategoryRoleCmd())
	return cmd
}

// categoryStore opens the configured database and returns a store plus the
// guild the config targets.
func categoryStore(configPath string) (*category.Store, string, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, "", err
	}
	return category.NewStore(gormDB), cfg.Guild.ID, nil
}

func lookupCategory(ctx context.Context, store *category.Store, guildID, name string) (*models.Category, error) {
	c, err := store.GetByName(ctx, guildID, name)
	if err != nil {
		return nil, fmt.Errorf("category %q: %w", name, err)
	}
	return c, nil
}

func newCategoryAddCmd() *cobra.Command {
	var (
		configPath  string
		emoji       string
		channelID   string
		description string
		private     bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a category",
		Long:  "Creates an active category. Threads in it open under --channel, the Discord category channel.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			c, err := store.Create(cmd.Context(), category.CreateOpts{
				GuildID:     guildID,
				Name:        strings.Join(args, " "),
				Emoji:       emoji,
				Description: description,
				ChannelID:   channelID,
				IsPrivate:   private,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created category %s %s (%s)\n", c.Emoji, c.Name, c.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	cmd.Flags().StringVar(&emoji, "emoji", "", "reaction emoji requesters pick (required)")
	cmd.Flags().StringVar(&channelID, "channel", "", "Discord category channel id")
	cmd.Flags().StringVar(&description, "description", "", "shown in the selection prompt")
	cmd.Flags().BoolVar(&private, "private", false, "only visible to staff")
	cmd.MarkFlagRequired("emoji")
	return cmd
}

func newCategoryListCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			var cats []models.Category
			if all {
				cats, err = store.List(cmd.Context(), guildID)
			} else {
				cats, err = store.ListActive(cmd.Context(), guildID)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cats) == 0 {
				fmt.Fprintln(out, "No categories found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EMOJI\tNAME\tCHANNEL\tPRIVATE\tACTIVE\tID")
			for _, c := range cats {
				ch := "-"
				if c.ChannelID != nil {
					ch = *c.ChannelID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n", c.Emoji, c.Name, ch, c.IsPrivate, c.IsActive, c.ID)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive categories")
	return cmd
}

func newCategoryRenameCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rename <name> <new-name>",
		Short: "Rename a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			c, err := lookupCategory(cmd.Context(), store, guildID, args[0])
			if err != nil {
				return err
			}
			if err := store.Rename(cmd.Context(), c.ID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	return cmd
}

func newCategoryEmojiCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "emoji <name> <emoji>",
		Short: "Change a category's emoji",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			c, err := lookupCategory(cmd.Context(), store, guildID, args[0])
			if err != nil {
				return err
			}
			if err := store.SetEmoji(cmd.Context(), c.ID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now uses %s\n", c.Name, args[1])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	return cmd
}

func newCategoryPrivateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "private <name> <true|false>",
		Short: "Hide a category from non-staff requesters",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			private, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid value %q: want true or false", args[1])
			}
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			c, err := lookupCategory(cmd.Context(), store, guildID, args[0])
			if err != nil {
				return err
			}
			if err := store.SetPrivate(cmd.Context(), c.ID, private); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s private=%t\n", c.Name, private)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	return cmd
}

func newCategoryDeactivateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deactivate <name>",
		Short: "Stop offering a category",
		Long:  "Removes the category from the selection prompt and frees its emoji. Open threads are not touched.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			name := strings.Join(args, " ")
			c, err := lookupCategory(cmd.Context(), store, guildID, name)
			if err != nil {
				return err
			}
			if err := store.Deactivate(cmd.Context(), c.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", c.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	return cmd
}

func newCategoryReactivateCmd() *cobra.Command {
	var (
		configPath string
		channelID  string
	)

	cmd := &cobra.Command{
		Use:   "reactivate <name>",
		Short: "Offer an inactive category again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			name := strings.Join(args, " ")
			c, err := lookupCategory(cmd.Context(), store, guildID, name)
			if err != nil {
				return err
			}
			if err := store.Reactivate(cmd.Context(), c.ID, channelID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reactivated %s under channel %s\n", c.Name, channelID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	cmd.Flags().StringVar(&channelID, "channel", "", "Discord category channel id (required)")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func newCategoryRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage a category's staff roles",
	}

	cmd.AddCommand(newCategoryRoleSetCmd())
	cmd.AddCommand(newCategoryRoleRemoveCmd())
	cmd.AddCommand(newCategoryRoleListCmd())
	return cmd
}

func newCategoryRoleSetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set <category> <role-id> <mod|admin>",
		Short: "Register a role at a level",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			c, err := lookupCategory(cmd.Context(), store, guildID, args[0])
			if err != nil {
				return err
			}
			level := strings.ToLower(args[2])
			if err := store.SetRole(cmd.Context(), c.ID, args[1], level); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Role %s is %s in %s\n", args[1], level, c.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	return cmd
}

func newCategoryRoleRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <category> <role-id>",
		Short: "Unregister a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			c, err := lookupCategory(cmd.Context(), store, guildID, args[0])
			if err != nil {
				return err
			}
			removed, err := store.RemoveRole(cmd.Context(), c.ID, args[1])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Role %s has no registration in %s\n", args[1], c.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed role %s from %s\n", args[1], c.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	return cmd
}

func newCategoryRoleListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list <category>",
		Short: "List a category's roles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, guildID, err := categoryStore(configPath)
			if err != nil {
				return err
			}
			c, err := lookupCategory(cmd.Context(), store, guildID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			roles, err := store.RolesFor(cmd.Context(), c.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(roles) == 0 {
				fmt.Fprintf(out, "No roles registered for %s.\n", c.Name)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tLEVEL")
			for _, r := range roles {
				fmt.Fprintf(w, "%s\t%s\n", r.RoleID, r.Level)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to modmail config file")
	return cmd
}
