package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cloudmover/mover/internal/core/codes"
	"github.com/cloudmover/mover/internal/util/hashing"
)

type uploadResult struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
}

func newUploadCmd(c *client) *cobra.Command {
	var ttlHours int
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file and print its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.sendFile(http.MethodPost, "/upload", args[0], ttlHours, http.StatusCreated)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Uploaded %s\n", filepath.Base(args[0]))
			printUpload(c, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&ttlHours, "ttl", 0, "hours until the upload expires (0 uses the server default)")
	return cmd
}

func newReplaceCmd(c *client) *cobra.Command {
	var ttlHours int
	cmd := &cobra.Command{
		Use:   "replace <code> <file>",
		Short: "Replace the file behind an existing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkCode(args[0]); err != nil {
				return err
			}
			res, err := c.sendFile(http.MethodPut, "/upload/"+args[0], args[1], ttlHours, http.StatusOK)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Replaced %s\n", args[0])
			printUpload(c, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&ttlHours, "ttl", 0, "hours until the upload expires (0 uses the server default)")
	return cmd
}

func printUpload(c *client, res uploadResult) {
	fmt.Fprintf(c.out, "  Code:     %s\n", res.Code)
	fmt.Fprintf(c.out, "  Expires:  %s\n", res.ExpiresAt)
	fmt.Fprintf(c.out, "  Size:     %s\n", humanize.IBytes(uint64(res.Size)))
	fmt.Fprintf(c.out, "  SHA256:   %s\n", res.Checksum)
}

func (c *client) sendFile(method, path, filePath string, ttlHours int, want int) (uploadResult, error) {
	var res uploadResult

	file, err := os.Open(filePath)
	if err != nil {
		return res, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return res, fmt.Errorf("reading file info: %w", err)
	}

	query := url.Values{}
	if ttlHours > 0 {
		query.Set("ttl_hours", strconv.Itoa(ttlHours))
	}

	pr := &progressReader{reader: file, total: info.Size(), label: "Uploading", out: c.errOut}
	req, err := http.NewRequest(method, c.url(path, query), pr)
	if err != nil {
		return res, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = info.Size()

	resp, err := c.do(req, want)
	fmt.Fprintln(c.errOut)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decoding response: %w", err)
	}
	return res, nil
}

func newDownloadCmd(c *client) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <code>",
		Short: "Download the file behind a code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			if err := checkCode(code); err != nil {
				return err
			}
			if output == "" {
				output = "cloud-mover-" + code + ".zip"
			}
			return c.download(code, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path")
	return cmd
}

func (c *client) download(code, output string) error {
	req, err := http.NewRequest(http.MethodGet, c.url("/download/"+code, nil), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tmpOutput := output + ".part"
	file, err := os.Create(tmpOutput)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	success := false
	defer func() {
		file.Close()
		if !success {
			_ = os.Remove(tmpOutput)
		}
	}()

	pw := &progressWriter{writer: file, total: resp.ContentLength, label: "Downloading", out: c.errOut}
	start := time.Now()
	n, err := io.Copy(pw, resp.Body)
	fmt.Fprintln(c.errOut)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing downloaded file: %w", err)
	}

	if want := resp.Header.Get("X-Checksum-SHA256"); want != "" {
		f, err := os.Open(tmpOutput)
		if err != nil {
			return fmt.Errorf("verifying download: %w", err)
		}
		err = hashing.Verify(f, want)
		f.Close()
		if err != nil {
			return fmt.Errorf("verifying download: %w", err)
		}
	}

	if err := os.Rename(tmpOutput, output); err != nil {
		return fmt.Errorf("finalizing output file: %w", err)
	}
	success = true

	fmt.Fprintf(c.out, "Downloaded %s -> %s\n", code, output)
	fmt.Fprintf(c.out, "  Size:     %s\n", humanize.IBytes(uint64(n)))
	fmt.Fprintf(c.out, "  Duration: %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func newStatusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <code>",
		Short: "Check whether a code still has a file behind it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				HasBackup bool   `json:"has_backup"`
				ExpiresAt string `json:"expires_at"`
				Size      int64  `json:"size"`
			}
			if err := c.getJSON("/status/"+args[0], &status); err != nil {
				return err
			}
			if !status.HasBackup {
				fmt.Fprintf(c.out, "%s: no file (unknown or expired)\n", args[0])
				return nil
			}
			fmt.Fprintf(c.out, "%s: %s, expires %s\n", args[0], humanize.IBytes(uint64(status.Size)), status.ExpiresAt)
			return nil
		},
	}
}

func newTemplateCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Share and fetch text templates",
	}

	var kind, title, description string
	share := &cobra.Command{
		Use:   "share <file>",
		Short: "Share a text file as a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading template: %w", err)
			}
			if title == "" {
				title = filepath.Base(args[0])
			}
			body, err := json.Marshal(map[string]string{
				"kind":        kind,
				"title":       title,
				"description": description,
				"content":     string(content),
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, c.url("/templates", nil), bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.do(req, http.StatusCreated)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var res struct {
				Code      string `json:"code"`
				ExpiresAt string `json:"expires_at"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			fmt.Fprintf(c.out, "Shared %s\n  Code:     %s\n  Expires:  %s\n", title, res.Code, res.ExpiresAt)
			return nil
		},
	}
	share.Flags().StringVar(&kind, "kind", "claude-md", "template kind")
	share.Flags().StringVar(&title, "title", "", "template title (defaults to the file name)")
	share.Flags().StringVar(&description, "description", "", "optional description")

	get := &cobra.Command{
		Use:   "get <code>",
		Short: "Print a template's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkCode(args[0]); err != nil {
				return err
			}
			req, err := http.NewRequest(http.MethodGet, c.url("/templates/"+args[0]+"/raw", nil), nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := c.do(req, http.StatusOK)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(c.out, resp.Body)
			return err
		},
	}

	cmd.AddCommand(share, get)
	return cmd
}

// checkCode rejects malformed codes before any request is made.
func checkCode(code string) error {
	if !codes.IsValid(code) {
		return fmt.Errorf("invalid code %q: expected %d lowercase letters or digits", code, codes.Length)
	}
	return nil
}
