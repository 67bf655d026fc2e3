package mimeparser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidState is returned when the parser state machine reaches a state
// it cannot handle. Malformed mail never causes it.
var ErrInvalidState = errors.New("mimeparser: invalid parser state")

// MaxNestingDepth limits how deep message/rfc822 parts are parsed.
const MaxNestingDepth = 32

type parseState int

const (
	stateHeader parseState = iota
	stateBody
)

// parseNode is the arena entry used while parsing. Parent links are arena
// indexes so the finished tree carries no back references.
type parseNode struct {
	node        *Node
	parent      int
	state       parseState
	headerLines []string
	bodyLines   []string
	defaultType string
}

type parser struct {
	arena   []*parseNode
	current int
	depth   int
}

// Parse parses a raw RFC822 message. Line endings are normalized to CRLF.
func Parse(raw []byte) (*Node, error) {
	return parseDepth(raw, 0)
}

// ParseReader reads the whole message from r and parses it.
func ParseReader(r io.Reader) (*Node, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return Parse(raw)
}

func parseDepth(raw []byte, depth int) (*Node, error) {
	p := &parser{current: -1, depth: depth}
	p.push(-1, "text/plain")

	for len(raw) > 0 {
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			break
		}
		if err := p.processLine(string(trimCR(raw[:i]))); err != nil {
			return nil, err
		}
		raw = raw[i+1:]
	}
	// Whatever follows the last newline is a line too, even when empty.
	if err := p.processLine(string(trimCR(raw))); err != nil {
		return nil, err
	}

	return p.finalize()
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

func (p *parser) push(parent int, defaultType string) *parseNode {
	pn := &parseNode{
		node:        &Node{},
		parent:      parent,
		defaultType: defaultType,
	}
	p.arena = append(p.arena, pn)
	p.current = len(p.arena) - 1
	if parent >= 0 {
		owner := p.arena[parent].node
		owner.ChildNodes = append(owner.ChildNodes, pn.node)
	}
	return pn
}

func (p *parser) processLine(line string) error {
	if p.current < 0 || p.current >= len(p.arena) {
		return ErrInvalidState
	}

	if owner, closing, ok := p.matchBoundary(line); ok {
		p.current = owner
		mp := p.arena[owner]
		if closing {
			mp.node.Closed = true
			if line != "--"+mp.node.Boundary+"--" {
				mp.node.CloseLine = line
			}
			return nil
		}
		defaultType := "text/plain"
		if mp.node.Multipart == "digest" {
			defaultType = "message/rfc822"
		}
		child := p.push(owner, defaultType)
		if line != "--"+mp.node.Boundary {
			child.node.DelimiterLine = line
		}
		return nil
	}

	cur := p.arena[p.current]
	switch cur.state {
	case stateHeader:
		if line == "" {
			cur.state = stateBody
			p.processHeader(cur, true)
			return nil
		}
		if (line[0] == ' ' || line[0] == '\t') && len(cur.headerLines) > 0 {
			last := len(cur.headerLines) - 1
			cur.headerLines[last] += "\r\n" + line
			return nil
		}
		cur.headerLines = append(cur.headerLines, line)
	case stateBody:
		n := cur.node
		if n.Boundary != "" {
			if n.Closed {
				n.Epilogue = append(n.Epilogue, line)
			} else {
				n.Preamble = append(n.Preamble, line)
			}
			return nil
		}
		cur.bodyLines = append(cur.bodyLines, line)
	default:
		return ErrInvalidState
	}
	return nil
}

// matchBoundary looks for an open multipart ancestor (or the current node)
// whose boundary the line matches. Transport padding after the boundary is
// tolerated.
func (p *parser) matchBoundary(line string) (owner int, closing bool, ok bool) {
	if !strings.HasPrefix(line, "--") {
		return 0, false, false
	}
	trimmed := strings.TrimRight(line, " \t")
	for i := p.current; i >= 0; i = p.arena[i].parent {
		pn := p.arena[i]
		if pn.state != stateBody || pn.node.Boundary == "" || pn.node.Closed {
			continue
		}
		delim := "--" + pn.node.Boundary
		switch trimmed {
		case delim:
			return i, false, true
		case delim + "--":
			return i, true, true
		}
	}
	return 0, false, false
}

func (p *parser) processHeader(pn *parseNode, allowMultipart bool) {
	n := pn.node
	n.Header = pn.headerLines
	if n.Header == nil {
		n.Header = []string{}
	}
	n.ParsedHeader = parseHeaderLines(pn.headerLines, pn.defaultType)

	ct := n.ParsedHeader.ContentType("content-type")
	if allowMultipart && ct != nil && ct.Type == "multipart" && ct.Params["boundary"] != "" {
		n.Multipart = ct.Subtype
		if n.Multipart == "" {
			n.Multipart = "mixed"
		}
		n.Boundary = ct.Params["boundary"]
	}
}

func (p *parser) finalize() (*Node, error) {
	if len(p.arena) == 0 {
		return nil, ErrInvalidState
	}

	for _, pn := range p.arena {
		n := pn.node
		if pn.state == stateHeader {
			p.processHeader(pn, false)
			n.Framing = FramingHeaderOnly
		}

		if n.Boundary != "" && len(n.ChildNodes) == 0 {
			// A multipart without parts is kept as an opaque leaf.
			lines := append([]string{}, n.Preamble...)
			if n.Closed {
				closeLine := n.CloseLine
				if closeLine == "" {
					closeLine = "--" + n.Boundary + "--"
				}
				lines = append(lines, closeLine)
			}
			lines = append(lines, n.Epilogue...)
			pn.bodyLines = lines
			n.Multipart, n.Boundary = "", ""
			n.Preamble, n.Epilogue, n.CloseLine, n.Closed = nil, nil, "", false
			n.ParsedHeader["content-type"] = HeaderValue{
				Kind:        KindContentType,
				ContentType: parseContentType("application/octet-stream"),
			}
		}

		if n.Boundary == "" && n.Framing != FramingHeaderOnly {
			if len(pn.bodyLines) > 0 {
				n.Body = []byte(strings.Join(pn.bodyLines, "\r\n"))
				n.Framing = FramingBody
			} else {
				n.Framing = FramingEmptyBody
			}
		}
	}

	// Children always follow their parents in the arena, so walking it
	// backwards sizes every child before its parent.
	for i := len(p.arena) - 1; i >= 0; i-- {
		n := p.arena[i].node
		if n.IsMultipart() {
			region := regionLines(n)
			n.Size = region.length()
			n.LineCount = int(region.n)
			continue
		}
		n.Size = int64(len(n.Body))
		n.LineCount = countLines(n.Body)
		p.parseEmbedded(n)
	}

	return p.arena[0].node, nil
}

func (p *parser) parseEmbedded(n *Node) {
	ct := n.ContentType()
	if ct.Type != "message" || ct.Subtype != "rfc822" || p.depth+1 >= MaxNestingDepth {
		return
	}
	switch strings.ToLower(n.ParsedHeader.Get("content-transfer-encoding")) {
	case "", "7bit", "8bit", "binary":
	default:
		return
	}
	if msg, err := parseDepth(n.Body, p.depth+1); err == nil {
		n.Message = msg
	}
}

// lineSpan counts bytes and lines of a CRLF joined line sequence.
type lineSpan struct {
	bytes int64
	n     int64
}

func (s lineSpan) add(o lineSpan) lineSpan {
	return lineSpan{bytes: s.bytes + o.bytes, n: s.n + o.n}
}

func (s lineSpan) line(length int) lineSpan {
	return lineSpan{bytes: s.bytes + int64(length), n: s.n + 1}
}

func (s lineSpan) length() int64 {
	if s.n == 0 {
		return 0
	}
	return s.bytes + 2*(s.n-1)
}

func regionLines(n *Node) lineSpan {
	var s lineSpan
	if !n.IsMultipart() {
		if n.Framing == FramingBody {
			s = s.line(int(n.Size))
		}
		return s
	}
	for _, l := range n.Preamble {
		s = s.line(len(l))
	}
	for _, child := range n.ChildNodes {
		delim := child.DelimiterLine
		if delim == "" {
			delim = "--" + n.Boundary
		}
		s = s.line(len(delim))
		s = s.add(nodeLines(child))
	}
	if n.Closed {
		closeLine := n.CloseLine
		if closeLine == "" {
			closeLine = "--" + n.Boundary + "--"
		}
		s = s.line(len(closeLine))
	}
	for _, l := range n.Epilogue {
		s = s.line(len(l))
	}
	return s
}

func nodeLines(n *Node) lineSpan {
	var s lineSpan
	for _, h := range n.Header {
		s = s.line(len(h))
	}
	if n.Framing != FramingHeaderOnly {
		s = s.line(0)
	}
	return s.add(regionLines(n))
}

func countLines(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	c := bytes.Count(body, []byte{'\n'})
	if body[len(body)-1] != '\n' {
		c++
	}
	return c
}

// NormalizeNewlines converts bare LF line endings to CRLF.
func NormalizeNewlines(raw []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(raw) + len(raw)/32)
	for len(raw) > 0 {
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			buf.Write(raw)
			break
		}
		buf.Write(trimCR(raw[:i]))
		buf.WriteString("\r\n")
		raw = raw[i+1:]
	}
	return buf.Bytes()
}
