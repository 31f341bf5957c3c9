// ctxsync is the operator CLI for the ctxsyncd daemon: it submits
// files for ingestion, inspects upload and retry-queue state, and
// triggers maintenance actions over the daemon's HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

type rootFlags struct {
	addr    string
	token   string
	rawJSON bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "ctxsync",
		Short:         "manage file ingestion and sync through a ctxsyncd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.addr, "addr", envOrDefault("CTXSYNC_ADDR", "http://127.0.0.1:8787"), "daemon base URL")
	cmd.PersistentFlags().StringVar(&flags.token, "token", strings.TrimSpace(os.Getenv("CTXSYNC_AUTH_TOKEN")), "bearer token for the daemon API")
	cmd.PersistentFlags().BoolVar(&flags.rawJSON, "json", false, "print raw JSON responses")

	cmd.AddCommand(
		newInitCmd(),
		newIngestCmd(flags),
		newStatusCmd(flags),
		newQueueCmd(flags),
		newReconcileCmd(flags),
		newClearCmd(flags),
		newStatsCmd(flags),
	)
	return cmd
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

// apiClient is a thin JSON client for the daemon's /v1 API. Mutating
// requests carry a fresh correlation id so daemon logs can be tied
// back to a CLI invocation.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(flags *rootFlags) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(flags.addr), "/"),
		token:      strings.TrimSpace(flags.token),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("X-Correlation-Id", uuid.NewString())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure apiFailure
		if json.Unmarshal(data, &failure) == nil && failure.Message != "" {
			return errors.Errorf("%s %s: %s (%s)", method, path, failure.Message, failure.Code)
		}
		return errors.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Errorf("decode response: %w", err)
	}
	return nil
}

// printJSON re-indents a response for the --json flag.
func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
