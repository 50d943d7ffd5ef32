package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configShowRaw     bool
	configShowSecrets bool
)

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored")
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "Do not mask credentials")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

// configEntry is one key of the config file, in display order.
type configEntry struct {
	key    string
	value  string
	secret bool
}

func (e configEntry) section() string {
	return e.key[:strings.IndexByte(e.key, '.')]
}

func configEntries(cfg *Config) []configEntry {
	return []configEntry{
		{key: "default.base_url", value: cfg.Default.BaseURL},
		{key: "default.log_level", value: cfg.Default.LogLevel},
		{key: "auth.token", value: cfg.Auth.Token, secret: true},
		{key: "auth.user_id", value: cfg.Auth.UserID},
		{key: "auth.username", value: cfg.Auth.Username},
		{key: "auth.token_expires", value: cfg.Auth.TokenExpires},
		{key: "realtime.auto_reconnect", value: strconv.FormatBool(cfg.Realtime.AutoReconnect)},
		{key: "realtime.max_reconnect_attempts", value: strconv.Itoa(cfg.Realtime.MaxReconnectAttempts)},
		{key: "realtime.heartbeat_interval", value: cfg.Realtime.HeartbeatInterval},
	}
}

func lookupConfigEntry(cfg *Config, key string) (configEntry, bool) {
	for _, e := range configEntries(cfg) {
		if e.key == key {
			return e, true
		}
	}
	return configEntry{}, false
}

// writeConfig prints the effective config grouped by section. Keys whose
// value comes from the environment rather than the file are flagged.
func writeConfig(w io.Writer, effective, file *Config, showSecrets bool) {
	fileValues := map[string]string{}
	for _, e := range configEntries(file) {
		fileValues[e.key] = e.value
	}

	section := ""
	for _, e := range configEntries(effective) {
		if s := e.section(); s != section {
			if section != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "[%s]\n", s)
			section = s
		}
		value := e.value
		switch {
		case value == "":
			value = "(not set)"
		case e.secret && !showSecrets:
			value = maskKey(value)
		}
		name := e.key[len(section)+1:]
		if e.value != fileValues[e.key] {
			fmt.Fprintf(w, "  %-24s %s  (from environment)\n", name, value)
		} else {
			fmt.Fprintf(w, "  %-24s %s\n", name, value)
		}
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatkit configuration",
	Long:  "View or modify the chatkit CLI configuration stored in config.toml under ~/.chatkit (or $CHATKIT_HOME).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatkit login <email>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		file, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		writeConfig(os.Stdout, effective, file, configShowSecrets)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		e, ok := lookupConfigEntry(cfg, args[0])
		if !ok {
			return fmt.Errorf("unknown config key %q", args[0])
		}
		fmt.Println(e.value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatkit config set default.base_url https://campus.example.edu",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

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

		if e, ok := lookupConfigEntry(cfg, key); ok && e.secret {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
