package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-tcmu/backend"
)

func configuredHandlers(g *globalFlags) ([]*backend.BlockHandler, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	return buildHandlers(cfg)
}

func newCheckConfigCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <subtype> <cfgstring>",
		Short: "Ask a handler whether it accepts a device configuration string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := configuredHandlers(g)
			if err != nil {
				return err
			}
			for _, h := range hs {
				if h.Subtype() != args[0] {
					continue
				}
				if err := h.CheckConfig(args[1]); err != nil {
					return errors.Wrapf(err, "%s rejects %q", args[0], args[1])
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			}
			return errors.Errorf("no handler for subtype %q", args[0])
		},
	}
}

func newHandlersCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the configured handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hs, err := configuredHandlers(g)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SUBTYPE\tNAME\tCONFIG")
			for _, h := range hs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", h.Subtype(), h.Name(), h.ConfigDesc())
			}
			return w.Flush()
		},
	}
}
