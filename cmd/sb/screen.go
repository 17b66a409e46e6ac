package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newScreenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Manage a template's screens",
	}

	cmd.AddCommand(newScreenAddCmd())
	cmd.AddCommand(newScreenListCmd())
	cmd.AddCommand(newScreenRenameCmd())
	cmd.AddCommand(newScreenMoveCmd())
	cmd.AddCommand(newScreenDeleteCmd())
	return cmd
}

func newScreenAddCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "add <template-id> <name>",
		Short: "Append a screen to a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateID, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			screen, err := st.AddScreen(cmd.Context(), templateID, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added screen %d %q at position %d\n", screen.ID, screen.Name, screen.Position)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newScreenListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list <template-id>",
		Short: "List a template's screens in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateID, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			screens, err := st.ListScreens(cmd.Context(), templateID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POS\tID\tNAME")
			for _, s := range screens {
				fmt.Fprintf(w, "%d\t%d\t%s\n", s.Position, s.ID, truncate(s.Name, 40))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newScreenRenameCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a screen",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := st.RenameScreen(cmd.Context(), id, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed screen %d to %q\n", id, args[1])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newScreenMoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "move <id> <position>",
		Short: "Move a screen to a new 0-based position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := st.MoveScreen(cmd.Context(), id, pos); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved screen %d to position %d\n", id, pos)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newScreenDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a screen and its components",
		Long: `Deletes a screen and its components. Forwards in other screens that target
it are kept and make the template fail to compile until they are fixed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := st.DeleteScreen(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted screen %d\n", id)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
