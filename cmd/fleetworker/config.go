package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fleetworker/agent/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "get, set, or unset a value in the worker config file",
}

func init() {
	configCmd.PersistentFlags().String("file", "./fleetworker.yaml", "config file to edit")
	configCmd.AddCommand(configGetCmd, configSetCmd, configUnsetCmd,
		configSetCapabilityAmountCmd, configUnsetCapabilityAmountCmd,
		configSetCapabilityAttributeCmd, configUnsetCapabilityAttributeCmd)
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "print a config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		e, err := config.OpenEditor(path)
		if err != nil {
			return err
		}
		value, ok := e.Get(args[0])
		if !ok {
			return fmt.Errorf("%s is not set", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "set a config value, preserving comments and the rest of the file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		e, err := config.OpenEditor(path)
		if err != nil {
			return err
		}
		if err := e.Set(args[0], args[1]); err != nil {
			return err
		}
		return e.Save()
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "remove a config value (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		e, err := config.OpenEditor(path)
		if err != nil {
			return err
		}
		if err := e.Unset(args[0]); err != nil {
			return err
		}
		return e.Save()
	},
}

var configSetCapabilityAmountCmd = &cobra.Command{
	Use:   "set-capability-amount <name> <value>",
	Short: "set a capabilities.amounts entry, validating the amount.<name> grammar",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("%q is not a number: %w", args[1], err)
		}
		path, _ := cmd.Flags().GetString("file")
		e, err := config.OpenEditor(path)
		if err != nil {
			return err
		}
		if err := e.SetCapabilityAmount(args[0], value); err != nil {
			return err
		}
		return e.Save()
	},
}

var configUnsetCapabilityAmountCmd = &cobra.Command{
	Use:   "unset-capability-amount <name>",
	Short: "remove a capabilities.amounts entry (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		e, err := config.OpenEditor(path)
		if err != nil {
			return err
		}
		if err := e.UnsetCapabilityAmount(args[0]); err != nil {
			return err
		}
		return e.Save()
	},
}

var configSetCapabilityAttributeCmd = &cobra.Command{
	Use:   "set-capability-attribute <name> <value,...>",
	Short: "set a capabilities.attributes entry, validating the attr.<name> grammar",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		e, err := config.OpenEditor(path)
		if err != nil {
			return err
		}
		values := strings.Split(args[1], ",")
		if err := e.SetCapabilityAttribute(args[0], values); err != nil {
			return err
		}
		return e.Save()
	},
}

var configUnsetCapabilityAttributeCmd = &cobra.Command{
	Use:   "unset-capability-attribute <name>",
	Short: "remove a capabilities.attributes entry (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		e, err := config.OpenEditor(path)
		if err != nil {
			return err
		}
		if err := e.UnsetCapabilityAttribute(args[0]); err != nil {
			return err
		}
		return e.Save()
	},
}
