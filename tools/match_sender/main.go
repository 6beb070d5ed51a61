package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{},
	}
}

// helper
func getEnv(key string, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

var (
	base    string
	timeout time.Duration
)

// plays the external verification worker: approves the match request of an
// exit session so a waiting async exit opens the gate.
var rootCmd = &cobra.Command{
	Use:   "match_sender <exit-session-id>",
	Short: "Approve the match request of an exit session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return verify(NewClient(base), args[0], timeout)
	},
}

func init() {
	rootCmd.Flags().StringVar(&base, "url", "http://localhost:"+getEnv("GATE_PORT", "8080"), "gate service base url")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
}

type verifyRes struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	IsMatch   bool   `json:"is_match"`
	Changed   bool   `json:"changed"`
}

func verify(client *Client, sessionID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.base+"/api/gate/v1/match/"+sessionID, nil)
	if err != nil {
		return err
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, body)
	}

	var res verifyRes
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}
	if res.Changed {
		fmt.Printf("match request %s verified\n", res.RequestID)
	} else {
		fmt.Printf("match request %s was already verified\n", res.RequestID)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
