package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
)

var (
	// ErrNotFound is returned for a body part path that does not exist.
	// IMAP handlers answer it with NIL.
	ErrNotFound = errors.New("indexer: content not found")
	// ErrStreamFailure aborts a content stream that could not deliver the
	// announced number of bytes.
	ErrStreamFailure = errors.New("indexer: stream failure")
)

// BlobReader reads externalized bodies.
type BlobReader interface {
	OpenRead(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error)
}

// Selector types.
const (
	SelectContent         = "content"
	SelectHeader          = "header"
	SelectHeaderFields    = "header.fields"
	SelectHeaderFieldsNot = "header.fields.not"
	SelectMIME            = "mime"
	SelectText            = "text"
)

// Partial is a <start.length> window. Length < 0 reads to the end.
type Partial struct {
	Start  int64
	Length int64
}

// Selector addresses content within a message.
type Selector struct {
	// Path is the 1-based body part path, empty for the whole message.
	Path    []int
	Type    string
	Headers []string
	Partial *Partial
}

// Contents is a content stream with its exact length.
type Contents struct {
	Size   int64
	Reader io.ReadCloser
}

// ResolveContentNode walks a 1-based body part path. A part wrapping a
// message/rfc822 is entered through its parsed message; a part that is
// not multipart only has a part 1, which is the part itself.
func ResolveContentNode(tree *mimeparser.Node, path []int) (*mimeparser.Node, bool) {
	node := tree
	for i, p := range path {
		if node == nil || p < 1 {
			return nil, false
		}
		container := node
		if i > 0 && node.Message != nil {
			container = node.Message
		}
		if container.IsMultipart() {
			if p > len(container.ChildNodes) {
				return nil, false
			}
			node = container.ChildNodes[p-1]
			continue
		}
		if p != 1 || (i > 0 && node.Message == nil) {
			return nil, false
		}
		node = container
	}
	return node, node != nil
}

// GetContents returns the bytes a selector addresses.
func GetContents(ctx context.Context, tree *mimeparser.Node, sel Selector, blobs BlobReader) (*Contents, error) {
	node, ok := ResolveContentNode(tree, sel.Path)
	if !ok {
		return nil, ErrNotFound
	}
	hasPath := len(sel.Path) > 0

	var block []byte
	switch strings.ToLower(sel.Type) {
	case SelectContent, "":
		return streamWindow(ctx, node, hasPath, sel.Partial, blobs), nil
	case SelectText:
		if hasPath {
			if node = node.Message; node == nil {
				return nil, ErrNotFound
			}
		}
		return streamWindow(ctx, node, true, sel.Partial, blobs), nil
	case SelectMIME:
		block = headerBlock(node.Header, nil, false, false)
	case SelectHeader, SelectHeaderFields, SelectHeaderFieldsNot:
		if hasPath {
			if node = node.Message; node == nil {
				return nil, ErrNotFound
			}
		}
		switch strings.ToLower(sel.Type) {
		case SelectHeaderFields:
			block = headerBlock(node.Header, sel.Headers, true, false)
		case SelectHeaderFieldsNot:
			block = headerBlock(node.Header, sel.Headers, true, true)
		default:
			block = headerBlock(node.Header, nil, false, false)
		}
	default:
		return nil, fmt.Errorf("unknown selector type %q: %w", sel.Type, ErrNotFound)
	}

	start, end := window(int64(len(block)), sel.Partial)
	return &Contents{
		Size:   end - start,
		Reader: io.NopCloser(bytes.NewReader(block[start:end])),
	}, nil
}

// headerBlock renders header lines followed by the empty line. With
// filter set, only lines whose lower-cased key is in fields are kept, or
// dropped when not is set.
func headerBlock(lines []string, fields []string, filter, not bool) []byte {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[strings.ToLower(strings.TrimSpace(f))] = true
	}

	var buf bytes.Buffer
	for _, line := range lines {
		if filter {
			key := line
			if i := strings.IndexByte(line, ':'); i >= 0 {
				key = line[:i]
			}
			if want[strings.ToLower(strings.TrimSpace(key))] == not {
				continue
			}
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func window(total int64, p *Partial) (int64, int64) {
	if p == nil {
		return 0, total
	}
	start := p.Start
	if start > total {
		start = total
	}
	if start < 0 {
		start = 0
	}
	end := total
	if p.Length >= 0 && start+p.Length < total {
		end = start + p.Length
	}
	return start, end
}

func streamWindow(ctx context.Context, node *mimeparser.Node, textOnly bool, p *Partial, blobs BlobReader) *Contents {
	segs := collectSegments(node, textOnly, false)
	start, end := window(segs.size(), p)
	return &Contents{
		Size:   end - start,
		Reader: streamSegments(ctx, segs, start, end, blobs),
	}
}

// Rebuild streams the bytes of node: its header, the blank line and its
// body, or only the body when textOnly is set. Externalized bodies are
// read from blobs, or left out when skipExternal is set.
func Rebuild(ctx context.Context, node *mimeparser.Node, textOnly, skipExternal bool, blobs BlobReader) io.ReadCloser {
	segs := collectSegments(node, textOnly, skipExternal)
	return streamSegments(ctx, segs, 0, segs.size(), blobs)
}

// GetSize returns the number of bytes Rebuild produces for node.
func GetSize(node *mimeparser.Node, textOnly bool) int64 {
	var s sizer
	walkNode(node, textOnly, &s)
	return s.length()
}

// lineEmitter receives the logical lines of a node. Lines are joined with
// CRLF, so both the sizer and the segment collector see the same layout.
type lineEmitter interface {
	line(s string)
	lineBytes(b []byte)
	external(n *mimeparser.Node)
}

func walkNode(node *mimeparser.Node, textOnly bool, e lineEmitter) {
	if node == nil {
		return
	}
	if !textOnly {
		for _, h := range node.Header {
			e.line(h)
		}
		if node.Framing != mimeparser.FramingHeaderOnly {
			e.line("")
		}
	}
	walkRegion(node, e)
}

func walkRegion(node *mimeparser.Node, e lineEmitter) {
	if !node.IsMultipart() {
		if node.Framing != mimeparser.FramingBody {
			return
		}
		if node.Externalized() {
			e.external(node)
		} else {
			e.lineBytes(node.Body)
		}
		return
	}

	for _, l := range node.Preamble {
		e.line(l)
	}
	for _, child := range node.ChildNodes {
		if child.DelimiterLine != "" {
			e.line(child.DelimiterLine)
		} else {
			e.line("--" + node.Boundary)
		}
		walkNode(child, false, e)
	}
	if node.Closed {
		if node.CloseLine != "" {
			e.line(node.CloseLine)
		} else {
			e.line("--" + node.Boundary + "--")
		}
	}
	for _, l := range node.Epilogue {
		e.line(l)
	}
}

type sizer struct {
	bytes int64
	lines int64
}

func (s *sizer) line(l string)               { s.bytes += int64(len(l)); s.lines++ }
func (s *sizer) lineBytes(b []byte)          { s.bytes += int64(len(b)); s.lines++ }
func (s *sizer) external(n *mimeparser.Node) { s.bytes += n.Size; s.lines++ }

func (s *sizer) length() int64 {
	if s.lines == 0 {
		return 0
	}
	return s.bytes + 2*(s.lines-1)
}

// segment is either inline bytes or an externalized body of size bytes.
type segment struct {
	data []byte
	id   string
	size int64
}

type segments []segment

func (s segments) size() int64 {
	var total int64
	for _, seg := range s {
		total += seg.size
	}
	return total
}

type segmentCollector struct {
	segs         segments
	buf          bytes.Buffer
	started      bool
	skipExternal bool
}

func collectSegments(node *mimeparser.Node, textOnly, skipExternal bool) segments {
	c := &segmentCollector{skipExternal: skipExternal}
	walkNode(node, textOnly, c)
	c.flush()
	return c.segs
}

func (c *segmentCollector) separator() {
	if c.started {
		c.buf.WriteString("\r\n")
	}
	c.started = true
}

func (c *segmentCollector) line(l string) {
	c.separator()
	c.buf.WriteString(l)
}

func (c *segmentCollector) lineBytes(b []byte) {
	c.separator()
	c.buf.Write(b)
}

func (c *segmentCollector) external(n *mimeparser.Node) {
	c.separator()
	if c.skipExternal {
		return
	}
	c.flush()
	c.segs = append(c.segs, segment{id: n.AttachmentID, size: n.Size})
}

func (c *segmentCollector) flush() {
	if c.buf.Len() == 0 {
		return
	}
	data := append([]byte(nil), c.buf.Bytes()...)
	c.segs = append(c.segs, segment{data: data, size: int64(len(data))})
	c.buf.Reset()
}

// streamSegments emits bytes [start, end) of the segment list. Inline-only
// content is served from memory; anything touching a blob is piped so the
// blob reader is held only while it is copied.
func streamSegments(ctx context.Context, segs segments, start, end int64, blobs BlobReader) io.ReadCloser {
	external := false
	for _, seg := range segs {
		if seg.id != "" {
			external = true
			break
		}
	}
	if !external {
		var buf bytes.Buffer
		writeWindow(ctx, &buf, segs, start, end, nil)
		return io.NopCloser(bytes.NewReader(buf.Bytes()))
	}

	pr, pw := io.Pipe()
	stop := context.AfterFunc(ctx, func() {
		pr.CloseWithError(ctx.Err())
	})
	go func() {
		defer stop()
		pw.CloseWithError(writeWindow(ctx, pw, segs, start, end, blobs))
	}()
	return pr
}

func writeWindow(ctx context.Context, w io.Writer, segs segments, start, end int64, blobs BlobReader) error {
	var offset int64
	for _, seg := range segs {
		segStart, segEnd := offset, offset+seg.size
		offset = segEnd
		if segEnd <= start || segStart >= end {
			continue
		}
		from := max(start, segStart) - segStart
		to := min(end, segEnd) - segStart

		if seg.id == "" {
			if _, err := w.Write(seg.data[from:to]); err != nil {
				return err
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyBlob(ctx, w, blobs, seg.id, from, to-from); err != nil {
			return err
		}
	}
	return nil
}

// copyBlob copies exactly length bytes of a blob. The read is bounded by
// length so an oversized blob cannot grow the stream, and a short blob
// fails instead of producing a shorter literal than announced.
func copyBlob(ctx context.Context, w io.Writer, blobs BlobReader, id string, offset, length int64) error {
	if blobs == nil {
		return fmt.Errorf("no blob store for %s: %w", id, ErrStreamFailure)
	}
	rc, err := blobs.OpenRead(ctx, id, offset, length)
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w: %w", id, ErrStreamFailure, err)
	}
	defer rc.Close()

	n, err := io.Copy(w, io.LimitReader(rc, length))
	if err != nil {
		return fmt.Errorf("failed to copy blob %s: %w: %w", id, ErrStreamFailure, err)
	}
	if n != length {
		return fmt.Errorf("blob %s: read %d of %d bytes: %w", id, n, length, ErrStreamFailure)
	}
	return nil
}
