package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "triggerctl",
		Short:         "Operate a triggerflow server",
		Long:          "triggerctl validates trigger files, emits events and inspects triggers on a triggerflow server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	server := os.Getenv("TRIGGERFLOW_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&o.server, "server", server, "triggerflow base URL (env TRIGGERFLOW_URL)")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newValidateCmd(), newEmitCmd(o), newTriggersCmd(o))
	return root
}

// call sends a JSON request and decodes a JSON response into out. Non-2xx
// responses become errors carrying the server's message.
func (o *options) call(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(o.server, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: o.timeout}).Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
