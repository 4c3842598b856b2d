package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	config "github.com/hanpama/liveql/internal/config"
	query "github.com/hanpama/liveql/internal/query"
	schema "github.com/hanpama/liveql/internal/schema"
)

func newValidateCommand(v *viper.Viper) *cobra.Command {
	var (
		opName    string
		variables string
	)
	cmd := &cobra.Command{
		Use:   "validate <query-file>",
		Short: "Compile a query against the schema and print its complexity and depth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			sch, err := loadSchema(cfg.Schema.Path)
			if err != nil {
				return err
			}
			sub, err := readSubscription(nil, args[0], opName, variables)
			if err != nil {
				return err
			}
			q, err := query.Compile(sch, sub.Query, query.Options{
				OperationName: sub.OperationName,
				Variables:     sub.Variables,
				MaxComplexity: cfg.Subscription.MaxComplexity,
				MaxDepth:      cfg.Subscription.MaxDepth,
			})
			if err != nil {
				return err
			}
			kind := "query"
			if q.IsSubscription() {
				kind = "subscription"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s complexity=%d depth=%d\n", kind, q.Complexity, q.Depth)
			return nil
		},
	}
	cmd.Flags().StringVar(&opName, "operation-name", "", "operation to validate when the document has several")
	cmd.Flags().StringVar(&variables, "variables", "", "variables as a JSON object")
	return cmd
}

func newPrintSchemaCommand(v *viper.Viper) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "print-schema",
		Short: "Load and validate the schema and print it as SDL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			sch, err := loadSchema(cfg.Schema.Path)
			if err != nil {
				return err
			}
			sdl := schema.Render(sch)
			if out == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), sdl)
				return err
			}
			return os.WriteFile(out, []byte(sdl), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the SDL to a file instead of stdout")
	return cmd
}
