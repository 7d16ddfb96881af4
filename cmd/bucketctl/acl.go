package main

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/cobra"
)

func newACLCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Inspect and change object access permissions",
	}

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print the grants of an object as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grants, err := a.client.GetPermissions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printGrants(cmd, grants)
		},
	}

	var public bool
	set := &cobra.Command{
		Use:   "set KEY",
		Short: "Make an object public-read (--public) or private",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grants, err := a.client.SetPermissions(cmd.Context(), args[0], public)
			if err != nil {
				return err
			}
			return printGrants(cmd, grants)
		},
	}
	set.Flags().BoolVar(&public, "public", false, "grant public read instead of private")

	var dirPublic bool
	setDir := &cobra.Command{
		Use:   "set-dir PREFIX",
		Short: "Make every object under PREFIX public-read (--public) or private",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.SetDirectoryPermissions(cmd.Context(), args[0], dirPublic)
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d of %d objects\n", res.Succeeded, res.Listed)
			return err
		},
	}
	setDir.Flags().BoolVar(&dirPublic, "public", false, "grant public read instead of private")

	cmd.AddCommand(get, set, setDir)
	return cmd
}

func printGrants(cmd *cobra.Command, grants []types.Grant) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(grants)
}
