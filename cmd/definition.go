package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/model"
)

var definitionCmd = &cobra.Command{
	Use:     "definition",
	Aliases: []string{"def"},
	Short:   "Manage extraction definitions",
}

var definitionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a definition from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("file")
		d, err := loadDefinitionFile(path)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Runs.CreateDefinition(ctx, d); err != nil {
			return eris.Wrap(err, "definition create")
		}
		fmt.Fprintln(os.Stdout, d.ID)
		return nil
	},
}

var definitionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a workspace's definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, _ := cmd.Flags().GetString("workspace")
		activeOnly, _ := cmd.Flags().GetBool("active")

		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		defs, err := env.Runs.ListDefinitions(ctx, ws, activeOnly)
		if err != nil {
			return eris.Wrap(err, "definition list")
		}
		if len(defs) == 0 {
			fmt.Fprintln(os.Stderr, "No definitions found.")
			return nil
		}
		formatDefinitions(os.Stdout, defs)
		return nil
	},
}

var definitionDeactivateCmd = &cobra.Command{
	Use:   "deactivate <definition-id>",
	Short: "Soft-disable a definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Runs.SetDefinitionActive(ctx, args[0], false); err != nil {
			return eris.Wrapf(err, "definition deactivate %s", args[0])
		}
		fmt.Fprintf(os.Stdout, "definition %s deactivated\n", args[0])
		return nil
	},
}

func init() {
	definitionCreateCmd.Flags().String("file", "", "path to a definition YAML file")
	_ = definitionCreateCmd.MarkFlagRequired("file")

	definitionListCmd.Flags().String("workspace", "", "workspace id")
	definitionListCmd.Flags().Bool("active", false, "only list active definitions")
	_ = definitionListCmd.MarkFlagRequired("workspace")

	definitionCmd.AddCommand(definitionCreateCmd)
	definitionCmd.AddCommand(definitionListCmd)
	definitionCmd.AddCommand(definitionDeactivateCmd)
	rootCmd.AddCommand(definitionCmd)
}

// loadDefinitionFile reads and validates a definition YAML file.
func loadDefinitionFile(path string) (*model.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	var d model.Definition
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// formatDefinitions writes a tabular list of definitions to out.
func formatDefinitions(out io.Writer, defs []model.Definition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSEARCH\tLOCATION\tTARGET\tFILTERS\tACTIVE")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t------\t-------\t------")
	for _, d := range defs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%t\n",
			truncateID(d.ID),
			truncate(d.Name, 30),
			d.SearchTerm,
			d.Location,
			d.TargetQuantity,
			filterSummary(d),
			d.IsActive,
		)
	}
	_ = w.Flush()
}

func filterSummary(d model.Definition) string {
	var parts []string
	if d.RequireWebsite {
		parts = append(parts, "website")
	}
	if d.RequirePhone {
		parts = append(parts, "phone")
	}
	if d.RequireEmail {
		parts = append(parts, "email")
	}
	if d.MinRating != nil {
		parts = append(parts, fmt.Sprintf("rating>=%.1f", *d.MinRating))
	}
	if d.MinReviews != nil {
		parts = append(parts, fmt.Sprintf("reviews>=%d", *d.MinReviews))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
