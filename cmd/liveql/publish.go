package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	config "github.com/hanpama/liveql/internal/config"
	"github.com/hanpama/liveql/internal/store/postgres"
	"github.com/hanpama/liveql/internal/store/redis"
)

func newPublishCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <notification-file>",
		Short: "Send change notifications to running servers through postgres NOTIFY or redis PUBLISH",
		Long: `Send change notifications to running servers through postgres NOTIFY or redis PUBLISH.

The file holds one notification or an array of them:

  {"tag": 7, "changes": [{"subgraph": "s", "entity_type": "Token",
    "entity_id": "1", "operation": "set", "data": {"symbol": "ABC"}}]}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			notes, err := readNotifications(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s := cfg.Store
			switch s.Engine {
			case config.StorePostgres:
				pool, err := postgres.NewPool(ctx, s.URI, 1)
				if err != nil {
					return err
				}
				defer pool.Close()
				for _, n := range notes {
					if err := postgres.Notify(ctx, pool, s.Channel, n); err != nil {
						return err
					}
				}
			case config.StoreRedis:
				client, err := redis.NewClient(ctx, s.URI, 1)
				if err != nil {
					return err
				}
				defer client.Close()
				for _, n := range notes {
					if err := redis.Publish(ctx, client, s.Channel, n); err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("publish needs --store-engine postgres or redis, got %q", s.Engine)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d notification(s) on %s\n", len(notes), s.Channel)
			return nil
		},
	}
}
