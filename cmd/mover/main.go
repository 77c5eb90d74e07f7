package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client carries the settings shared by every subcommand.
type client struct {
	server string
	http   *http.Client
	out    io.Writer
	errOut io.Writer
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 30 * time.Minute}}

	root := &cobra.Command{
		Use:   "mover",
		Short: "Move files between machines with a short code",
		Long: `mover talks to a Cloud-Mover server. Upload a file to get a six
character code, then download it on another machine with that code before it
expires. Small text templates can be shared the same way.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.out = cmd.OutOrStdout()
			c.errOut = cmd.ErrOrStderr()
		},
	}

	server := os.Getenv("CLOUDMOVER_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&c.server, "server", server, "server URL (env CLOUDMOVER_SERVER)")

	root.AddCommand(
		newUploadCmd(c),
		newReplaceCmd(c),
		newDownloadCmd(c),
		newStatusCmd(c),
		newTemplateCmd(c),
	)
	return root
}

func (c *client) url(path string, query url.Values) string {
	u := strings.TrimRight(c.server, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends req and returns the response if its status is want.
func (c *client) do(req *http.Request, want int) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		return nil, formatHTTPError(resp)
	}
	return resp, nil
}

func (c *client) getJSON(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.url(path, nil), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func formatHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		return fmt.Errorf("error (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("error (%d): %s", resp.StatusCode, payload.Message)
	}
	return fmt.Errorf("error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
