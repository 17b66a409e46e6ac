package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/flow"
	"github.com/zulandar/switchboard/internal/store"
)

func newComponentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "component",
		Short: "Manage a screen's components",
	}

	cmd.AddCommand(newComponentAddCmd())
	cmd.AddCommand(newComponentListCmd())
	cmd.AddCommand(newComponentMoveCmd())
	cmd.AddCommand(newComponentDeleteCmd())
	return cmd
}

func newComponentAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a component to a screen",
	}

	cmd.AddCommand(newComponentAddSendCmd())
	cmd.AddCommand(newComponentAddInputCmd())
	cmd.AddCommand(newComponentAddForwardCmd())
	cmd.AddCommand(newComponentAddDialogCmd())
	return cmd
}

// addComponent appends c to the screen named by the first argument.
func addComponent(cmd *cobra.Command, configPath, screenArg string, c flow.Component) error {
	screenID, err := parseID(screenArg)
	if err != nil {
		return err
	}
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	row, err := st.AddComponent(cmd.Context(), screenID, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added component %d to screen %d at position %d: %s\n",
		row.ID, screenID, row.Position, describeComponent(c))
	return nil
}

func newComponentAddSendCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "send <screen-id> <text>",
		Short: "Send a text message to the user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addComponent(cmd, configPath, args[0], flow.SendMessage{Text: args[1]})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newComponentAddInputCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "input <screen-id> <variable>",
		Short: "Wait for the user's next message and store it in a variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addComponent(cmd, configPath, args[0], flow.GetInput{VariableName: args[1]})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newComponentAddForwardCmd() *cobra.Command {
	var (
		configPath string
		variable   string
		match      string
	)

	cmd := &cobra.Command{
		Use:   "forward <screen-id> <target-screen-id>",
		Short: "Jump to another screen, optionally only when a variable matches",
		Long: `Jumps to the target screen. With --var and --match the jump only happens
when the variable's value matches the regular expression; otherwise the
flow continues with the next component.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseID(args[1])
			if err != nil {
				return err
			}
			if (variable == "") != (match == "") {
				return fmt.Errorf("--var and --match must be given together")
			}
			return addComponent(cmd, configPath, args[0], flow.ForwardToScreen{
				VariableName:   variable,
				TargetScreen:   target,
				ConditionRegex: match,
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&variable, "var", "", "variable to test")
	cmd.Flags().StringVar(&match, "match", "", "regular expression the variable must match")
	return cmd
}

func newComponentAddDialogCmd() *cobra.Command {
	var (
		configPath string
		start      string
		stop       string
		fail       string
	)

	cmd := &cobra.Command{
		Use:   "dialog <screen-id>",
		Short: "Hand the user to a free operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addComponent(cmd, configPath, args[0], flow.NewDialog(start, stop, fail))
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&start, "start", "", "message when an operator connects")
	cmd.Flags().StringVar(&stop, "stop", "", "message when the conversation ends")
	cmd.Flags().StringVar(&fail, "fail", "", "message when no operator is free")
	return cmd
}

func newComponentListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list <screen-id>",
		Short: "List a screen's components in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			screenID, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rows, err := st.ListComponents(cmd.Context(), screenID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POS\tID\tCOMPONENT")
			for _, row := range rows {
				c, err := store.ToFlow(row)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%d\t%s\n", row.Position, row.ID, describeComponent(c))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newComponentMoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "move <id> <position>",
		Short: "Move a component to a new 0-based position in its screen",
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
			if err := st.MoveComponent(cmd.Context(), id, pos); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved component %d to position %d\n", id, pos)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newComponentDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := st.DeleteComponent(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted component %d\n", id)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
