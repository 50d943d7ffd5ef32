package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (read from stdin when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the token",
	Long:  "Sign in to the portal and store the returned token and identity locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		client, _, _, err := getClient(false)
		if err != nil {
			return err
		}

		password := loginPassword
		if password == "" {
			password, err = readPassword(os.Stdin)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		// Env overrides must not leak into the file, so save the raw config.
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = res.Token
		cfg.Auth.UserID = res.User.ID
		cfg.Auth.Username = res.User.Name
		cfg.Auth.TokenExpires = res.ExpiresAt
		if cfg.Auth.TokenExpires == "" {
			if exp, ok := tokenExpiry(res.Token); ok {
				cfg.Auth.TokenExpires = exp.UTC().Format(time.RFC3339)
			}
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed in.")
		fmt.Printf("  User ID:  %s\n", res.User.ID)
		fmt.Printf("  Name:     %s\n", res.User.Name)
		if res.User.Role != "" {
			fmt.Printf("  Role:     %s\n", res.User.Role)
		}
		if cfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise, so the password can be piped in.
func readPassword(in *os.File) (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return readLine(in)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
