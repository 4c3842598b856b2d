package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	config "github.com/hanpama/liveql/internal/config"
	language "github.com/hanpama/liveql/internal/language"
	logger "github.com/hanpama/liveql/internal/logger"
	schema "github.com/hanpama/liveql/internal/schema"
)

// newRootCommand builds the command tree. Every command reads its settings
// from flags, LIVEQL_ environment variables or config.yaml (in that order).
func newRootCommand() *cobra.Command {
	v := config.NewViper()
	root := &cobra.Command{
		Use:           "liveql",
		Short:         "GraphQL live queries over an indexed entity store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindFlags(v, root.PersistentFlags())

	root.AddCommand(
		newServeCommand(v),
		newSubscribeCommand(v),
		newValidateCommand(v),
		newPrintSchemaCommand(v),
		newPublishCommand(v),
	)
	return root
}

func loadConfig(v *viper.Viper) (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	sch, err := schema.BuildFromSources(&language.Source{Name: path, Input: string(b)})
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	return sch, nil
}
