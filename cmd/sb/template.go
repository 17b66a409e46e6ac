package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/compiler"
	"github.com/zulandar/switchboard/internal/flow"
	"github.com/zulandar/switchboard/internal/store"
)

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Author bot templates",
	}

	cmd.AddCommand(newTemplateCreateCmd())
	cmd.AddCommand(newTemplateListCmd())
	cmd.AddCommand(newTemplateShowCmd())
	cmd.AddCommand(newTemplateRenameCmd())
	cmd.AddCommand(newTemplateDeleteCmd())
	return cmd
}

func newTemplateCreateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a template with an empty start screen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			tmpl, err := st.CreateTemplate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created template %d %q (start screen %d)\n",
				tmpl.ID, tmpl.Name, tmpl.Screens[0].ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTemplateListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			tmpls, err := st.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(tmpls) == 0 {
				fmt.Fprintln(out, "No templates found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUPDATED")
			for _, t := range tmpls {
				fmt.Fprintf(w, "%d\t%s\t%s\n", t.ID, truncate(t.Name, 40), t.UpdatedAt.Format("2006-01-02 15:04"))
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTemplateShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template's screens, components and compiled program",
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
			return runTemplateShow(cmd, st, id)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runTemplateShow(cmd *cobra.Command, st *store.Store, id uint) error {
	tmpl, err := st.GetTemplate(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Template %d: %s\n", tmpl.ID, tmpl.Name)
	for _, s := range tmpl.Screens {
		fmt.Fprintf(out, "\n  Screen %d %q (position %d)\n", s.ID, s.Name, s.Position)
		if len(s.Components) == 0 {
			fmt.Fprintln(out, "    (no components)")
		}
		for _, row := range s.Components {
			c, err := store.ToFlow(row)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "    [%d] #%d %s\n", row.Position, row.ID, describeComponent(c))
		}
	}

	ft, err := st.LoadTemplate(cmd.Context(), id)
	if err != nil {
		return err
	}
	program, err := compiler.Compile(ft)
	if err != nil {
		fmt.Fprintf(out, "\nProgram does not compile: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "\nProgram:\n%s", program.Listing())
	return nil
}

func describeComponent(c flow.Component) string {
	switch c := c.(type) {
	case flow.SendMessage:
		return fmt.Sprintf("send %q", truncate(c.Text, 60))
	case flow.GetInput:
		return fmt.Sprintf("input -> %s", c.VariableName)
	case flow.ForwardToScreen:
		if c.ConditionRegex == "" {
			return fmt.Sprintf("forward -> screen %d", c.TargetScreen)
		}
		return fmt.Sprintf("forward -> screen %d if %s =~ %q", c.TargetScreen, c.VariableName, c.ConditionRegex)
	case flow.OperatorDialog:
		return fmt.Sprintf("dialog start=%q stop=%q fail=%q", c.StartMessage, c.StopMessage, c.FailMessage)
	default:
		return fmt.Sprintf("%T", c)
	}
}

func newTemplateRenameCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a template",
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
			if err := st.RenameTemplate(cmd.Context(), id, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed template %d to %q\n", id, args[1])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTemplateDeleteCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a template with its screens and components",
		Long:  "Deletes a template. A template used by a bot is only deleted with --force, which leaves those bots without a template.",
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
			if err := st.DeleteTemplate(cmd.Context(), id, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted template %d\n", id)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&force, "force", false, "delete even if bots use the template")
	return cmd
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
