package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY [FILE]",
		Short: "Download an object to FILE or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.client.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 && args[1] != "-" {
				return os.WriteFile(args[1], data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY FILE",
		Short: "Upload FILE (or - for stdin) as KEY, creating or overwriting it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return a.client.Upload(cmd.Context(), args[0], in)
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm KEY",
		Short: "Delete an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.Delete(cmd.Context(), args[0])
		},
	}
}

func newCpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cp SRC_KEY DEST_BUCKET|s3://BUCKET/KEY [DEST_KEY]",
		Short: "Server-side copy of an object to another bucket or key",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var destKey string
			if len(args) == 3 {
				destKey = args[2]
			}
			bucket, key, err := splitDest(args[1], destKey)
			if err != nil {
				return err
			}
			return a.client.Copy(cmd.Context(), args[0], bucket, key)
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [PREFIX]",
		Short: "List keys under PREFIX",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefix string
			if len(args) == 1 {
				prefix = args[0]
			}
			keys, err := a.client.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newCpDirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cp-dir SRC_PREFIX DEST_BUCKET [DEST_PREFIX]",
		Short: "Copy every object under SRC_PREFIX to DEST_BUCKET at DEST_PREFIX+key",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var destPrefix string
			if len(args) == 3 {
				destPrefix = args[2]
			}
			res, err := a.client.CopyDirectory(cmd.Context(), args[0], args[1], destPrefix)
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d of %d objects\n", res.Succeeded, res.Listed)
			return err
		},
	}
}
