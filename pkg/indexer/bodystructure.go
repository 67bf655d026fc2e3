package indexer

import (
	"sort"
	"strings"

	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
)

// Options controls BuildStructure output.
type Options struct {
	// Body omits extension data, producing IMAP BODY instead of BODYSTRUCTURE.
	Body bool
	// UpperCaseKeys upper-cases types, encodings and parameter names.
	UpperCaseKeys bool
	// SkipContentLocation drops the trailing content-location field.
	SkipContentLocation bool
	// ContentLanguageString renders a single content-language as a string
	// instead of a one element list.
	ContentLanguageString bool
	// OpaqueMessagesAsOctetStream labels message/rfc822 parts that carry no
	// parsed message as application/octet-stream, for consumers that reject
	// a message/rfc822 part without envelope and nested structure.
	OpaqueMessagesAsOctetStream bool
}

// BuildStructure builds the IMAP BODY or BODYSTRUCTURE array for node.
// Numbers are uint32.
func BuildStructure(node *mimeparser.Node, opts Options) []interface{} {
	if node == nil {
		return nil
	}
	if node.IsMultipart() {
		return buildMultipart(node, opts)
	}

	typ, subtype := normalizedType(node)
	switch {
	case typ == "text":
		return buildText(node, typ, subtype, opts)
	case typ == "message" && subtype == "rfc822" && node.Message != nil && !isAttachment(node):
		return buildMessage(node, typ, subtype, opts)
	case typ == "message" && subtype == "rfc822" && opts.OpaqueMessagesAsOctetStream:
		typ, subtype = "application", "octet-stream"
	}
	fields := basicFields(node, typ, subtype, opts)
	if !opts.Body {
		fields = append(fields, leafExtension(node, opts)...)
	}
	return fields
}

func buildMultipart(node *mimeparser.Node, opts Options) []interface{} {
	fields := make([]interface{}, 0, len(node.ChildNodes)+5)
	for _, child := range node.ChildNodes {
		fields = append(fields, BuildStructure(child, opts))
	}
	fields = append(fields, opts.caseOf(node.Multipart))
	if opts.Body {
		return fields
	}

	fields = append(fields, paramList(node.ContentType(), opts))
	return append(fields, commonExtension(node, opts)...)
}

func buildText(node *mimeparser.Node, typ, subtype string, opts Options) []interface{} {
	fields := basicFields(node, typ, subtype, opts)
	fields = append(fields, uint32(node.LineCount))
	if !opts.Body {
		fields = append(fields, leafExtension(node, opts)...)
	}
	return fields
}

func buildMessage(node *mimeparser.Node, typ, subtype string, opts Options) []interface{} {
	fields := basicFields(node, typ, subtype, opts)
	fields = append(fields,
		BuildEnvelope(node.Message.ParsedHeader),
		BuildStructure(node.Message, opts),
		uint32(node.LineCount),
	)
	if !opts.Body {
		fields = append(fields, leafExtension(node, opts)...)
	}
	return fields
}

func basicFields(node *mimeparser.Node, typ, subtype string, opts Options) []interface{} {
	encoding := strings.ToLower(node.ParsedHeader.Get("content-transfer-encoding"))
	if encoding == "" {
		encoding = "7bit"
	}
	return []interface{}{
		opts.caseOf(typ),
		opts.caseOf(subtype),
		paramList(node.ContentType(), opts),
		stringOrNil(node.ParsedHeader, "content-id"),
		stringOrNil(node.ParsedHeader, "content-description"),
		opts.caseOf(encoding),
		uint32(node.Size),
	}
}

// leafExtension is MD5 (never computed) followed by the common fields.
func leafExtension(node *mimeparser.Node, opts Options) []interface{} {
	return append([]interface{}{nil}, commonExtension(node, opts)...)
}

func commonExtension(node *mimeparser.Node, opts Options) []interface{} {
	fields := []interface{}{dispositionField(node, opts), languageField(node, opts)}
	if !opts.SkipContentLocation {
		fields = append(fields, stringOrNil(node.ParsedHeader, "content-location"))
	}
	return fields
}

func dispositionField(node *mimeparser.Node, opts Options) interface{} {
	disp := node.ParsedHeader.ContentType("content-disposition")
	if disp == nil || disp.Value == "" {
		return nil
	}
	return []interface{}{opts.caseOf(disp.Value), paramList(disp, opts)}
}

func languageField(node *mimeparser.Node, opts Options) interface{} {
	raw := node.ParsedHeader.Get("content-language")
	if raw == "" {
		return nil
	}
	var langs []interface{}
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	switch {
	case len(langs) == 0:
		return nil
	case len(langs) == 1 && opts.ContentLanguageString:
		return langs[0]
	}
	return langs
}

// paramList flattens parameters into [key, value, ...] ordered by key.
func paramList(ct *mimeparser.ContentType, opts Options) interface{} {
	if ct == nil || len(ct.Params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ct.Params))
	for k := range ct.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		list = append(list, opts.caseOf(k), ct.Params[k])
	}
	return list
}

// normalizedType keeps clients from seeing a structure they cannot parse:
// a missing half becomes text/plain when the other half looks textual and
// application/octet-stream otherwise. A multipart type on a leaf is opaque.
func normalizedType(node *mimeparser.Node) (string, string) {
	ct := node.ContentType()
	typ, subtype := ct.Type, ct.Subtype
	if typ == "multipart" {
		return "application", "octet-stream"
	}
	if typ == "" || subtype == "" || !isToken(typ) || !isToken(subtype) {
		if typ == "text" || subtype == "plain" || subtype == "html" {
			return "text", "plain"
		}
		return "application", "octet-stream"
	}
	return typ, subtype
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?=`, c) >= 0 {
			return false
		}
	}
	return true
}

func isAttachment(node *mimeparser.Node) bool {
	disp := node.ParsedHeader.ContentType("content-disposition")
	return disp != nil && disp.Value == "attachment"
}

func (o Options) caseOf(s string) string {
	if o.UpperCaseKeys {
		return strings.ToUpper(s)
	}
	return s
}
