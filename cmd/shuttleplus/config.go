package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var showRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configKeysCmd)
	configShowCmd.Flags().BoolVar(&showRaw, "raw", false, "print the config file without env overrides or masking")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Shuttle Plus configuration",
	Long: "View or modify ~/.shuttleplus/config.toml.\n" +
		"SHUTTLEPLUS_* environment variables and a local .env file override the file when commands run.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'shuttleplus init' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			os.Stdout.Write(data)
			return nil
		}

		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, key := range sortedConfigKeys() {
			v, _ := getConfigValue(cfg, key)
			switch {
			case v == "":
				v = "-"
			case secretKeys[key]:
				v = maskSecret(v)
			}
			fmt.Fprintf(tw, "%s\t%s\n", key, v)
		}
		return tw.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		v, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: shuttleplus config set default.environment development",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides are not persisted.
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskSecret(value)
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys and their environment variables",
	Run: func(cmd *cobra.Command, args []string) {
		env := make(map[string]string, len(envOverrides))
		for name, key := range envOverrides {
			env[key] = name
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tENV")
		for _, key := range sortedConfigKeys() {
			name := env[key]
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\n", key, name)
		}
		tw.Flush()
	},
}

func sortedConfigKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
