// Package mimeparser turns raw RFC822 messages into a MIME node tree that
// keeps enough of the original framing to rebuild the message byte for byte.
package mimeparser

import "strings"

// Framing records how a node's header and body were delimited in the source.
type Framing int

const (
	// FramingBody is a header, a blank line and at least one body line.
	FramingBody Framing = iota
	// FramingEmptyBody is a header followed by a blank line and nothing else.
	FramingEmptyBody
	// FramingHeaderOnly is a header that never reached a blank line.
	FramingHeaderOnly
)

// Node is a single MIME part.
type Node struct {
	// Header holds the raw header lines. Folded lines keep their inner CRLF.
	Header []string `json:"header"`
	// ParsedHeader maps lower-cased header names to decoded values.
	ParsedHeader Header `json:"parsedHeader"`

	Multipart string `json:"multipart,omitempty"`
	Boundary  string `json:"boundary,omitempty"`

	ChildNodes []*Node `json:"childNodes,omitempty"`

	// Body is the raw leaf content. Lines are joined with CRLF.
	Body []byte `json:"body,omitempty"`
	// AttachmentID is set once Body has been moved to a blob store.
	AttachmentID string `json:"attachmentId,omitempty"`
	// Message is the parsed content of a message/rfc822 leaf.
	Message *Node `json:"message,omitempty"`

	Size      int64 `json:"size"`
	LineCount int   `json:"lineCount"`

	Framing Framing `json:"framing,omitempty"`

	// Multipart framing. Preamble and Epilogue are raw lines.
	Preamble []string `json:"preamble,omitempty"`
	Epilogue []string `json:"epilogue,omitempty"`
	Closed   bool     `json:"closed,omitempty"`
	// CloseLine is the raw closing delimiter when it differs from --boundary--.
	CloseLine string `json:"closeLine,omitempty"`
	// DelimiterLine is the raw delimiter that opened this node inside its
	// parent, when it differs from --boundary.
	DelimiterLine string `json:"delimiterLine,omitempty"`

	// Text and HTML hold decoded content of externalized text parts, kept
	// for searching.
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// IsMultipart reports whether the node has child parts.
func (n *Node) IsMultipart() bool {
	return n.Multipart != ""
}

// ContentType returns the parsed content-type of the node. It never
// returns nil: parsing always synthesizes text/plain.
func (n *Node) ContentType() *ContentType {
	if ct := n.ParsedHeader.ContentType("content-type"); ct != nil {
		return ct
	}
	return &ContentType{Value: "text/plain", Type: "text", Subtype: "plain", Params: map[string]string{}}
}

// Externalized reports whether the leaf body lives in a blob store.
func (n *Node) Externalized() bool {
	return n.AttachmentID != ""
}

// Walk calls fn for n and every descendant in document order, descending
// into nested message/rfc822 trees. Returning false from fn skips the
// node's children.
func (n *Node) Walk(fn func(node *Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, child := range n.ChildNodes {
		child.Walk(fn)
	}
	if n.Message != nil {
		n.Message.Walk(fn)
	}
}

// ValueKind discriminates the shapes a parsed header value can take.
type ValueKind int

const (
	KindSingle ValueKind = iota
	KindMultiple
	KindContentType
	KindAddresses
)

// HeaderValue is a parsed header value. Exactly one of the payload fields
// is meaningful, selected by Kind.
type HeaderValue struct {
	Kind        ValueKind    `json:"kind"`
	Value       string       `json:"value,omitempty"`
	Values      []string     `json:"values,omitempty"`
	ContentType *ContentType `json:"contentType,omitempty"`
	Addresses   []Address    `json:"addresses,omitempty"`
}

// Single makes a single string value.
func Single(v string) HeaderValue {
	return HeaderValue{Kind: KindSingle, Value: v}
}

// Multiple makes a value for a header that occurred more than once.
func Multiple(v []string) HeaderValue {
	return HeaderValue{Kind: KindMultiple, Values: v}
}

// String returns the value as text. Multi-valued headers return the values
// joined with newlines; structured values return their raw form.
func (v HeaderValue) String() string {
	switch v.Kind {
	case KindMultiple:
		return strings.Join(v.Values, "\n")
	case KindContentType:
		if v.ContentType != nil {
			return v.ContentType.Value
		}
	case KindAddresses:
		parts := make([]string, 0, len(v.Addresses))
		for _, a := range v.Addresses {
			parts = append(parts, a.String())
		}
		return strings.Join(parts, ", ")
	}
	return v.Value
}

// All returns every string value.
func (v HeaderValue) All() []string {
	switch v.Kind {
	case KindMultiple:
		return v.Values
	case KindSingle:
		return []string{v.Value}
	}
	return []string{v.String()}
}

// Header is the parsed header map of a node.
type Header map[string]HeaderValue

// Has reports whether the header key is present.
func (h Header) Has(key string) bool {
	_, ok := h[strings.ToLower(key)]
	return ok
}

// Get returns the string form of a header, or "".
func (h Header) Get(key string) string {
	v, ok := h[strings.ToLower(key)]
	if !ok {
		return ""
	}
	return v.String()
}

// ContentType returns a structured content-type or content-disposition.
func (h Header) ContentType(key string) *ContentType {
	v, ok := h[strings.ToLower(key)]
	if !ok || v.Kind != KindContentType {
		return nil
	}
	return v.ContentType
}

// Addresses returns a parsed address list.
func (h Header) Addresses(key string) []Address {
	v, ok := h[strings.ToLower(key)]
	if !ok || v.Kind != KindAddresses {
		return nil
	}
	return v.Addresses
}

// ContentType is a parsed Content-Type or Content-Disposition value.
type ContentType struct {
	Value     string            `json:"value"`
	Type      string            `json:"type"`
	Subtype   string            `json:"subtype,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	HasParams bool              `json:"hasParams,omitempty"`
}

// Address is a mailbox or a group of mailboxes.
type Address struct {
	Name    string    `json:"name,omitempty"`
	Address string    `json:"address,omitempty"`
	IsGroup bool      `json:"isGroup,omitempty"`
	Group   []Address `json:"group,omitempty"`
}

// String formats the address roughly as it would appear in a header.
func (a Address) String() string {
	if a.IsGroup {
		members := make([]string, 0, len(a.Group))
		for _, m := range a.Group {
			members = append(members, m.String())
		}
		return a.Name + ": " + strings.Join(members, ", ") + ";"
	}
	if a.Name == "" {
		return a.Address
	}
	if a.Address == "" {
		return a.Name
	}
	return a.Name + " <" + a.Address + ">"
}
