package compose

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/go-resty/resty/v2"

	"github.com/lilacbridge/lilac-core/pkg/surface"
)

const (
	maxAttachmentBytes     = 25 * 1024 * 1024
	maxTotalDownloadBytes  = 50 * 1024 * 1024
	maxInlineBytes         = 512 * 1024
	maxInlineChars         = 50000
	highReplacementCharPct = 0.01
)

// Downloader fetches attachment bytes from Discord's CDN. A real
// implementation wraps *resty.Client; RestyDownloader below is that
// wrapping and is what production call sites use.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error) // body, content-type, err
}

// RestyDownloader is the production Downloader, grounded on the pack's
// resty usage for bounded HTTP fetches.
type RestyDownloader struct {
	client *resty.Client
}

func NewRestyDownloader() *RestyDownloader {
	return &RestyDownloader{client: resty.New().SetTimeout(30 * time.Second)}
}

func (d *RestyDownloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := d.client.R().SetContext(ctx).SetDoNotParseResponse(false).Get(url)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("attachment download %s: status %d", url, resp.StatusCode())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

// dedupeCache is a URL-keyed cache scoped to a single composition pass,
// preventing the same attachment from being downloaded twice when it
// appears in more than one chunk (e.g. forwarded messages).
type dedupeCache struct {
	mu    sync.Mutex
	cache map[string][]byte
	types map[string]string
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{cache: make(map[string][]byte), types: make(map[string]string)}
}

func (c *dedupeCache) get(url string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.cache[url]
	return b, c.types[url], ok
}

func (c *dedupeCache) put(url string, body []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[url] = body
	c.types[url] = contentType
}

// attachmentBudget tracks the 50 MiB per-message-build download ceiling
// across all attachments in one RenderAttachmentsWithDownload call.
type attachmentBudget struct {
	mu   sync.Mutex
	used int64
}

func (b *attachmentBudget) reserve(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > maxTotalDownloadBytes {
		return false
	}
	b.used += n
	return true
}

// RenderAttachments is the URL-only rendering used when no Downloader is
// wired. The Render path (renderUserChunk) uses it for every chunk's
// attachments; only RenderAttachmentsWithDownload applies the full
// categorized download behavior.
func RenderAttachments(attachments []surface.Attachment) string {
	var b strings.Builder
	for i, a := range attachments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[discord_attachment url=%s filename=%s content_type=%s]", a.URL, a.Filename, a.MimeType)
	}
	return b.String()
}

// RenderAttachmentsWithDownload implements the full categorized
// attachment rendering: images/PDFs become header-text with
// URL only (the model's own multimodal fetch handles the bytes upstream
// of this package); text-extractable types are downloaded, decoded, and
// inlined with truncation; anything else degrades to a URL-only header.
func RenderAttachmentsWithDownload(ctx context.Context, attachments []surface.Attachment, dl Downloader, cache *dedupeCache, budget *attachmentBudget) string {
	var b strings.Builder
	for i, a := range attachments {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderOneAttachment(ctx, a, dl, cache, budget))
	}
	return b.String()
}

func renderOneAttachment(ctx context.Context, a surface.Attachment, dl Downloader, cache *dedupeCache, budget *attachmentBudget) string {
	switch {
	case strings.HasPrefix(a.MimeType, "image/"):
		return fmt.Sprintf("[discord_image url=%s filename=%s]", a.URL, a.Filename)
	case a.MimeType == "application/pdf":
		return fmt.Sprintf("[discord_file url=%s filename=%s content_type=application/pdf]", a.URL, a.Filename)
	case isTextExtractable(a.MimeType):
		return renderTextAttachment(ctx, a, dl, cache, budget)
	default:
		return fmt.Sprintf("[discord_attachment url=%s filename=%s content_type=%s]", a.URL, a.Filename, a.MimeType)
	}
}

func isTextExtractable(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		return true
	case mimeType == "application/json", strings.HasSuffix(mimeType, "+json"):
		return true
	case strings.Contains(mimeType, "javascript"):
		return true
	case strings.Contains(mimeType, "xml"), strings.Contains(mimeType, "yaml"):
		return true
	default:
		return false
	}
}

func renderTextAttachment(ctx context.Context, a surface.Attachment, dl Downloader, cache *dedupeCache, budget *attachmentBudget) string {
	if dl == nil || a.Size > maxAttachmentBytes {
		return fmt.Sprintf("[discord_attachment url=%s filename=%s content_type=%s note=not_downloaded]", a.URL, a.Filename, a.MimeType)
	}

	if cache != nil {
		if body, ct, ok := cache.get(a.URL); ok {
			return renderDecodedText(a, body, ct)
		}
	}

	if budget != nil && !budget.reserve(a.Size) {
		return fmt.Sprintf("[discord_attachment url=%s filename=%s content_type=%s note=download_budget_exceeded]", a.URL, a.Filename, a.MimeType)
	}

	body, contentType, err := dl.Download(ctx, a.URL)
	if err != nil {
		return fmt.Sprintf("[discord_attachment url=%s filename=%s content_type=%s note=download_failed]", a.URL, a.Filename, a.MimeType)
	}
	if cache != nil {
		cache.put(a.URL, body, contentType)
	}
	return renderDecodedText(a, body, contentType)
}

func renderDecodedText(a surface.Attachment, body []byte, contentType string) string {
	if looksBinary(body) {
		return fmt.Sprintf("[discord_attachment url=%s filename=%s content_type=%s note=binary_content]", a.URL, a.Filename, a.MimeType)
	}

	text := string(body)
	truncated := false
	if len(text) > maxInlineBytes {
		text = text[:maxInlineBytes]
		truncated = true
	}
	if r := []rune(text); len(r) > maxInlineChars {
		text = string(r[:maxInlineChars])
		truncated = true
	}

	header := fmt.Sprintf("[discord_attachment_inline url=%s filename=%s content_type=%s]", a.URL, a.Filename, a.MimeType)
	if truncated {
		header += " (truncated)"
	}
	return header + "\n" + text
}

// looksBinary applies the null-byte / high-replacement-character
// heuristic: a text payload with any NUL byte, or whose UTF-8 decode
// produces U+FFFD at more than 1% of runes, is treated as binary.
func looksBinary(body []byte) bool {
	if bytes.IndexByte(body, 0) != -1 {
		return true
	}
	if !utf8.Valid(body) {
		total := 0
		replacement := 0
		for _, r := range string(body) {
			total++
			if r == utf8.RuneError {
				replacement++
			}
		}
		if total > 0 && float64(replacement)/float64(total) > highReplacementCharPct {
			return true
		}
	}
	return false
}

// CompressTranscriptSnapshot brotli-compresses a stored transcript
// snapshot before it's persisted, so bot-message-fork lookups
// ("Bot/assistant chunks") stay cheap to store at scale.
func CompressTranscriptSnapshot(snapshot []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(snapshot); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecompressTranscriptSnapshot(compressed []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(compressed))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewAttachmentBudget constructs the per-message-build download budget.
func NewAttachmentBudget() *attachmentBudget { return &attachmentBudget{} }

// NewDedupeCache constructs a per-composition attachment dedupe cache.
func NewDedupeCache() *dedupeCache { return newDedupeCache() }
