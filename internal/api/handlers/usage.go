package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cloudmover/mover/internal/core/models"
)

// usageText is the plain-text guide served at the root path.
func usageText(opts Options) string {
	base := strings.TrimRight(opts.BaseURL, "/")
	return fmt.Sprintf(`# Cloud-Mover

Move files between machines with a six character code.

Service URL:       %[1]s
Max upload size:   %[2]s
Upload expiry:     %[3]s
Template size:     %[4]s
Template expiry:   %[5]s

## Upload

Pack and password-protect your files first; the service stores them as-is.

    curl -F "file=@backup.zip" %[1]s/upload
    curl -F "file=@backup.zip" -F "ttl_hours=12" %[1]s/upload

The response carries a code such as "k3x9ab" and the expiry time.

## Replace

    curl -X PUT -F "file=@backup.zip" %[1]s/upload/<code>

## Download

    curl -fOJ %[1]s/download/<code>
    curl %[1]s/status/<code>

## Templates

    curl -H "Content-Type: application/json" \
      -d '{"kind":"claude-md","title":"Team rules","content":"..."}' \
      %[1]s/templates
    curl %[1]s/templates/<code>
    curl %[1]s/templates/<code>/raw

Kinds: %[6]s.
`,
		base,
		humanize.IBytes(uint64(opts.MaxUploadSize)),
		formatHours(opts.ArtifactTTL),
		humanize.IBytes(uint64(opts.MaxTemplateSize)),
		formatHours(opts.TemplateTTL),
		kindList(),
	)
}

func formatHours(d time.Duration) string {
	return fmt.Sprintf("%d hours", int(d.Hours()))
}

func kindList() string {
	kinds := make([]string, len(models.TemplateKinds))
	for i, k := range models.TemplateKinds {
		kinds[i] = string(k)
	}
	return strings.Join(kinds, ", ")
}
