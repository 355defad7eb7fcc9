package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/docconvert/internal/formats"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the service and converter versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "docconvert %s\n", formats.Version)

			conv := newConverter(appInstance.Config, appInstance.Logger)
			if err := conv.Available(); err != nil {
				fmt.Fprintf(w, "converter: unavailable (%v)\n", err)
				return nil
			}
			version, err := conv.Version(cmd.Context())
			if err != nil {
				fmt.Fprintf(w, "converter: unknown (%v)\n", err)
				return nil
			}
			fmt.Fprintf(w, "converter: %s\n", version)
			return nil
		},
	}
}
