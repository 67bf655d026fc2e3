package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
	"github.com/freeflowuniverse/heromail/pkg/store"
)

// DefaultExternalizeThreshold is the body size above which leaves are moved
// to the blob store. Stored trees depend on it, so keep it stable.
const DefaultExternalizeThreshold = 300 * 1024

// BlobWriter stores externalized bodies.
type BlobWriter interface {
	OpenWrite(ctx context.Context, id string) (io.WriteCloser, error)
}

// ExternalizeOptions tunes StoreNodeBodies.
type ExternalizeOptions struct {
	// Threshold in bytes; zero means DefaultExternalizeThreshold.
	Threshold int64
	// ReflowFlowed unwraps format=flowed text before it is kept for search.
	ReflowFlowed bool
}

// DefaultExternalizeOptions returns the stock policy.
func DefaultExternalizeOptions() ExternalizeOptions {
	return ExternalizeOptions{
		Threshold:    DefaultExternalizeThreshold,
		ReflowFlowed: true,
	}
}

// StoreNodeBodies moves leaf bodies larger than the threshold into blobs.
// Text parts keep their decoded content in Text or HTML. Size and
// LineCount are untouched. It returns the ids of every blob written.
func StoreNodeBodies(ctx context.Context, tree *mimeparser.Node, blobs BlobWriter, opts ExternalizeOptions) ([]string, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultExternalizeThreshold
	}

	var (
		ids []string
		err error
	)
	tree.Walk(func(n *mimeparser.Node) bool {
		if err != nil {
			return false
		}
		if n.IsMultipart() || n.Externalized() || int64(len(n.Body)) <= threshold {
			return true
		}

		ct := n.ContentType()
		if ct.Type == "text" {
			text := DecodeBody(n, opts.ReflowFlowed)
			if ct.Subtype == "html" {
				n.HTML = text
			} else {
				n.Text = text
			}
		}

		id := store.ContentID(n.Body)
		if err = writeBlob(ctx, blobs, id, n.Body); err != nil {
			return false
		}
		ids = append(ids, id)
		n.AttachmentID = id
		n.Body = nil
		return true
	})
	return ids, err
}

func writeBlob(ctx context.Context, blobs BlobWriter, id string, body []byte) error {
	w, err := blobs.OpenWrite(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w", id, err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("failed to write blob %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to commit blob %s: %w", id, err)
	}
	return nil
}

// DecodeBody returns the transfer and charset decoded body of an inline
// leaf. Anything that cannot be decoded falls back to the raw bytes.
func DecodeBody(n *mimeparser.Node, reflow bool) string {
	if n.Externalized() {
		if n.HTML != "" {
			return n.HTML
		}
		return n.Text
	}

	ct := n.ContentType()
	var h message.Header
	h.SetContentType(ct.Value, ct.Params)
	if enc := n.ParsedHeader.Get("content-transfer-encoding"); enc != "" {
		h.Set("Content-Transfer-Encoding", enc)
	}

	text := string(n.Body)
	if decoded, err := decodeEntity(h, n.Body); err == nil {
		text = decoded
	}
	if reflow && ct.Type == "text" && ct.Subtype == "plain" && strings.EqualFold(ct.Params["format"], "flowed") {
		text = ReflowFlowed(text, strings.EqualFold(ct.Params["delsp"], "yes"))
	}
	return text
}

func decodeEntity(h message.Header, body []byte) (string, error) {
	entity, err := message.New(h, bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	if entity == nil {
		return "", err
	}
	decoded, readErr := io.ReadAll(entity.Body)
	if readErr != nil {
		return "", readErr
	}
	return string(decoded), nil
}

// ReflowFlowed unwraps format=flowed text: soft line breaks (a line
// ending in a space) are joined with the following line and space
// stuffing is removed. With delSp the trailing space of a soft break is
// dropped as well.
func ReflowFlowed(text string, delSp bool) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var (
		out  strings.Builder
		soft bool
	)
	for i, line := range lines {
		if line != "-- " {
			line = strings.TrimPrefix(line, " ")
		}
		if i > 0 && !soft {
			out.WriteString("\r\n")
		}
		soft = strings.HasSuffix(line, " ") && line != "-- "
		if soft && delSp {
			line = line[:len(line)-1]
		}
		out.WriteString(line)
	}
	return out.String()
}

// GetTextContent collects the decoded plain text and HTML of every text
// leaf in document order.
func GetTextContent(tree *mimeparser.Node, reflow bool) (text, html []string) {
	tree.Walk(func(n *mimeparser.Node) bool {
		if n.IsMultipart() {
			return true
		}
		if isAttachment(n) {
			return true
		}
		ct := n.ContentType()
		if ct.Type != "text" {
			return true
		}
		switch ct.Subtype {
		case "plain":
			text = append(text, DecodeBody(n, reflow))
		case "html":
			html = append(html, DecodeBody(n, reflow))
		}
		return true
	})
	return text, html
}

// GetMaxPartNumber returns how many addressable parts the tree has,
// nested messages included.
func GetMaxPartNumber(tree *mimeparser.Node) int {
	count := -1
	tree.Walk(func(*mimeparser.Node) bool {
		count++
		return true
	})
	if count < 0 {
		return 0
	}
	return count
}
