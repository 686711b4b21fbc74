// Command shellmux-console is the admin console: a read-only terminal
// UI that connects to a running shellmuxd broker, lists its
// workspace's tabs and sessions, and streams their output.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shellmux/shellmux/internal/authstore"
	"github.com/shellmux/shellmux/internal/console"
	"github.com/shellmux/shellmux/internal/consoleclient"
	"github.com/shellmux/shellmux/internal/qr"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "shellmux-console",
		Short:   "Admin console for a shellmuxd broker",
		Version: Version,
	}

	connectCmd := &cobra.Command{
		Use:   "connect <ws-url>",
		Short: "Connect to a broker and open the console",
		Args:  cobra.ExactArgs(1),
		RunE:  runConnect,
	}
	connectCmd.Flags().String("token", "", "bearer token (overrides stored token)")
	rootCmd.AddCommand(connectCmd)

	joinCmd := &cobra.Command{
		Use:   "join <url>",
		Short: "Print a QR code a phone can scan to open the web client",
		Args:  cobra.ExactArgs(1),
		RunE:  runJoin,
	}
	rootCmd.AddCommand(joinCmd)

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored console token",
		RunE:  runLogout,
	}
	rootCmd.AddCommand(logoutCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	wsURL := args[0]

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		stored, err := authstore.Load()
		if err != nil {
			return fmt.Errorf("failed to load stored token: %w", err)
		}
		token = stored
	} else {
		if err := authstore.Save(token); err != nil {
			return fmt.Errorf("failed to persist token: %w", err)
		}
	}

	client, err := consoleclient.Dial(wsURL, token)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	c, err := console.New(client)
	if err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}
	return c.Run()
}

func runJoin(cmd *cobra.Command, args []string) error {
	joinURL := args[0]

	width, _ := qr.Dimensions(joinURL)
	if width == 0 {
		return fmt.Errorf("url cannot be encoded as a QR code: %s", joinURL)
	}

	for _, line := range qr.GenerateLines(joinURL, 120, 60) {
		fmt.Println(line)
	}
	fmt.Println()
	fmt.Printf("scan the code above, or open: %s\n", joinURL)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := authstore.Clear(); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	fmt.Println("console token cleared")
	return nil
}
