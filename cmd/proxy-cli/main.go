// Command proxy-cli is the operator's command-line client for the
// control-plane socket exposed by internal/cli, following the cobra
// command-tree shape and sendCommand-over-Unix-socket transport of the
// teacher's cmd/tollgate-cli.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultSocketPath = "/var/run/cashu-proxy.sock"

type message struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "proxy-cli",
	Short: "Control a running cashu-proxy instance",
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Wallet operations",
}

var balanceCmd = &cobra.Command{
	Use:   "balance <organization-id>",
	Short: "Show total and per-mint balance for an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndDisplay("wallet", []string{"balance", args[0]})
	},
}

var mintsCmd = &cobra.Command{
	Use:   "mints <organization-id>",
	Short: "List mints onboarded to an organization's wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndDisplay("wallet", []string{"mints", args[0]})
	},
}

var refillCmd = &cobra.Command{
	Use:   "refill",
	Short: "Auto-refill operations",
}

var refillTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Force an immediate auto-refill pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndDisplay("refill", []string{"tick"})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "path to the control-plane unix socket")

	walletCmd.AddCommand(balanceCmd, mintsCmd)
	refillCmd.AddCommand(refillTickCmd)
	rootCmd.AddCommand(walletCmd, refillCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func sendAndDisplay(command string, args []string) error {
	resp, err := send(message{Command: command, Args: args, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to reach cashu-proxy control socket: %w", err)
	}

	if resp.Success {
		fmt.Println(resp.Message)
	} else {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Error)
	}
	if resp.Data != nil {
		pretty, err := json.MarshalIndent(resp.Data, "", "  ")
		if err == nil {
			fmt.Println(string(pretty))
		}
	}

	if !resp.Success {
		return fmt.Errorf("command failed")
	}
	return nil
}

func send(msg message) (*response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1<<20)
	if !scanner.Scan() {
		return nil, fmt.Errorf("no response from service")
	}

	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}
