package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-keyoffload/internal/offload"
	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

func newInstancesCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Start the driver and list the accelerator instances it exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInstances(cmd.Context(), cmd.OutOrStdout(), opts, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	return cmd
}

func runInstances(ctx context.Context, out io.Writer, opts *rootOptions, output string) error {
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}

	cfg, logger, _, err := setup(opts)
	if err != nil {
		return err
	}

	m, err := offload.Acquire(ctx, offload.ManagerConfig{
		Driver:      newDriver(cfg.Offload),
		ProcessName: cfg.Offload.ProcessName,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start driver: %w", err)
	}
	defer func() {
		if err := m.Release(ctx); err != nil {
			logger.Warn("Failed to release offload manager", "error", err)
		}
	}()

	infos, err := listInstances(m.Driver())
	if err != nil {
		return err
	}
	return printInstances(out, infos, output)
}

func listInstances(b *driver.Binding) ([]driver.InstanceInfo, error) {
	handles, err := b.Instances()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate instances: %w", err)
	}

	infos := make([]driver.InstanceInfo, 0, len(handles))
	for _, h := range handles {
		info, err := b.InstanceInfo(h)
		if err != nil {
			return nil, fmt.Errorf("failed to read instance info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func printInstances(out io.Writer, infos []driver.InstanceInfo, output string) error {
	if output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPART\tNUMA\tPOLLED\tACCELERATORS")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%d\n", info.ID, info.PartName, info.NUMANode, info.Polled, info.Accelerators)
	}
	return tw.Flush()
}
