package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"Stratum/client"
)

// addrFlag registers --node on cmd and returns the bound value.
func addrFlag(cmd *cobra.Command) *string {
	addr := new(string)
	cmd.PersistentFlags().StringVar(addr, "node", "127.0.0.1:8080", "HTTP address of the node to query")

	return addr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running node's status",
	}

	addr := addrFlag(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		st, err := client.New(*addr).Status(cmd.Context())
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), st)
	}

	return cmd
}

func leaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Manage leases on a running node",
	}

	addr := addrFlag(cmd)
	c := func() *client.Client { return client.New(*addr) }

	var (
		holder   string
		duration time.Duration
	)

	request := &cobra.Command{
		Use:   "request DOMAIN",
		Short: "Request a lease on DOMAIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proof, err := c().Request(cmd.Context(), args[0], holder, duration)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), proof)
		},
	}
	request.Flags().StringVar(&holder, "holder", "", "holder identity (defaults to the node)")
	request.Flags().DurationVar(&duration, "duration", 0, "lease duration (defaults to the configured length)")

	renew := &cobra.Command{
		Use:   "renew HOLDER START",
		Short: "Renew the lease HOLDER@START",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			proof, err := c().Renew(cmd.Context(), client.Ref{Holder: args[0], Start: args[1]})
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), proof)
		},
	}

	release := &cobra.Command{
		Use:   "release HOLDER START",
		Short: "Release the lease HOLDER@START",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c().Release(cmd.Context(), client.Ref{Holder: args[0], Start: args[1]}); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "released")

			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list [DOMAIN]",
		Short: "List leases, or show the one covering DOMAIN",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				l, err := c().Covering(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), l)
			}

			leases, err := c().Leases(cmd.Context())
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), leases)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate DOMAIN TARGET",
		Short: "Move the lease on DOMAIN to TARGET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			proof, err := c().Migrate(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), proof)
		},
	}

	var reason string

	fence := &cobra.Command{
		Use:   "fence DOMAIN",
		Short: "Revoke the lease on DOMAIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c().Fence(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), f)
		},
	}
	fence.Flags().StringVar(&reason, "reason", "operator", "reason recorded in the certificate")

	cmd.AddCommand(request, renew, release, list, migrate, fence)

	return cmd
}
