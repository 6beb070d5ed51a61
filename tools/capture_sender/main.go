package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
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
	file     string
	base     string
	tcpAddr  string
	interval time.Duration
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "capture_sender",
	Short: "Replay a JSON array of capture notifications against the gate service",
	Long: `Each array item is one notification, e.g.
  [{"cam":"1","isFace":true,"url":"s3://captures/in/face.jpg"},
   {"cam":"1","isFace":false,"url":"s3://captures/in/plate.jpg"}]

Items go to the HTTP ingress unless --tcp is set, in which case each item is
written as one line on its own connection the way the stations do it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&file, "file", "f", "captures.json", "json array of notifications")
	rootCmd.Flags().StringVar(&base, "url", "http://localhost:"+getEnv("GATE_PORT", "8080"), "gate service base url")
	rootCmd.Flags().StringVar(&tcpAddr, "tcp", "", "send over the tcp line ingress at this address instead")
	rootCmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "delay between notifications")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per notification timeout")
}

func run() error {
	client := NewClient(base)

	captures, err := os.Open(file)
	if err != nil {
		return err
	}
	defer captures.Close()

	dec := json.NewDecoder(captures)
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("file must be json array")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idx := 0
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode item %d: %w", idx, err)
		}

		if tcpAddr != "" {
			err = sendLine(tcpAddr, raw, timeout)
		} else {
			err = postJSON(client, raw, timeout)
		}
		if err != nil {
			// a rejected notification is part of what gets replayed; keep going
			log.Printf("item %d failed: %v", idx, err)
		} else {
			fmt.Printf("sent item %d (%d bytes)\n", idx, len(raw))
		}

		idx++
		if dec.More() {
			<-ticker.C
		}
	}

	if _, err = dec.Token(); err != nil {
		return fmt.Errorf("reading closing token: %w", err)
	}
	return nil
}

func postJSON(client *Client, raw json.RawMessage, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.base+"/api/gate/v1/capture", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return &httpError{Code: resp.StatusCode}
	}

	return nil
}

func sendLine(addr string, raw json.RawMessage, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	var line bytes.Buffer
	if err := json.Compact(&line, raw); err != nil {
		return err
	}
	line.WriteByte('\n')

	conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err = conn.Write(line.Bytes())
	return err
}

type httpError struct {
	Code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
