package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	grpcsrv "github.com/hanpama/liveql/internal/grpcsrv"
	grpctp "github.com/hanpama/liveql/internal/grpctp"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

func newSubscribeCommand(_ *viper.Viper) *cobra.Command {
	var (
		target    string
		file      string
		opName    string
		variables string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "subscribe [query]",
		Short: "Subscribe to a running server over gRPC and print each result as a JSON line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := readSubscription(args, file, opName, variables)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := grpctp.New(grpctp.WithProvider(grpctp.NewStaticEndpoints(map[string][]string{
				grpcsrv.ServiceName: grpctp.ParseEndpoints(target),
			})))
			defer client.Close()

			rs, err := client.Subscribe(ctx, sub)
			if err != nil {
				return err
			}
			defer rs.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for n := 0; limit <= 0 || n < limit; n++ {
				res, err := rs.Recv()
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&target, "target", "localhost:8081", "comma separated gRPC endpoints of liveql servers")
	flags.StringVarP(&file, "file", "f", "", "read the query from a file")
	flags.StringVar(&opName, "operation-name", "", "operation to run when the document has several")
	flags.StringVar(&variables, "variables", "", "variables as a JSON object")
	flags.IntVarP(&limit, "limit", "n", 0, "exit after this many results (0 streams until interrupted)")
	return cmd
}

func readSubscription(args []string, file, opName, variables string) (subscription.Subscription, error) {
	sub := subscription.Subscription{OperationName: opName}
	switch {
	case file != "" && len(args) > 0:
		return sub, errors.New("pass the query as an argument or with --file, not both")
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return sub, err
		}
		sub.Query = string(b)
	case len(args) > 0:
		sub.Query = args[0]
	default:
		return sub, errors.New("a query is required")
	}
	if variables != "" {
		if err := json.Unmarshal([]byte(variables), &sub.Variables); err != nil {
			return sub, fmt.Errorf("parse variables: %w", err)
		}
	}
	return sub, nil
}
