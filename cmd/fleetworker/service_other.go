//go:build !windows

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serviceCmd = &cobra.Command{
	Use:    "service",
	Short:  "run the worker agent under the Windows Service Control Manager (Windows only)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("fleetworker service: the Windows Service Control Manager host is only available on windows")
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}
