package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/tether/client"
	"github.com/luma/tether/discovery"
	"github.com/luma/tether/internal/env"
	"github.com/luma/tether/rpc"
)

var (
	probeTimeout time.Duration
	discover     bool
)

func init() {
	flags := ProbeCmd.Flags()

	flags.DurationVarP(&probeTimeout, "timeout", "t", 5*time.Second, "How long to wait for each server")
	flags.BoolVar(&discover, "discover", false, "Probe every server registered in etcd")
}

var ProbeCmd = &cobra.Command{
	Use:   "probe [addr...]",
	Short: "Check that Tether servers are up and speak our protocol version",
	Long: `Check that Tether servers are up and speak our protocol version

Usage
	tether probe localhost:7363
	tether probe --discover
`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		conf, err := loadConfig(ctx, cmd)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		addrs := args
		if discover {
			found, err := discoverAddrs(ctx, conf, log)
			if err != nil {
				return err
			}
			addrs = append(addrs, found...)
		}

		if len(addrs) == 0 {
			return fmt.Errorf("Nothing to probe, pass an address or --discover")
		}

		connOptions, err := conf.ConnOptions()
		if err != nil {
			return err
		}
		connOptions.Log = log

		for _, addr := range addrs {
			rtt, perr := probe(ctx, addr, connOptions, log)
			if perr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tDOWN\t%s\n", addr, perr)
				err = multierr.Append(err, perr)
				continue
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\tUP\t%s\n", addr, rtt)
		}

		return err
	},
}

func probe(ctx context.Context, addr string, connOptions rpc.Options, log *zap.Logger) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn := client.New(log.Named("probe"), client.Options{
		Conn:           connOptions,
		VersionTimeout: probeTimeout,
	})
	if err := conn.Connect(ctx, addr); err != nil {
		return 0, err
	}
	defer conn.Disconnect()

	start := time.Now()
	if err := conn.Ping(ctx); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

func discoverAddrs(ctx context.Context, conf *env.Config, log *zap.Logger) ([]string, error) {
	registry, err := discovery.NewRegistry(discovery.Options{
		Endpoints: conf.EtcdEndpoints,
		Log:       log.Named("discovery"),
	})
	if err != nil {
		return nil, err
	}
	defer registry.Close()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	instances, err := registry.Discover(ctx, ServiceName)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(instances))
	for _, instance := range instances {
		addrs = append(addrs, instance.Addr)
	}

	return addrs, nil
}
