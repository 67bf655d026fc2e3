package mimeparser

import (
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// MaxHeaderKeyLength is the longest header name kept in ParsedHeader.
const MaxHeaderKeyLength = 100

// singletonHeaders keep only their last occurrence.
var singletonHeaders = map[string]bool{
	"content-transfer-encoding": true,
	"content-id":                true,
	"content-description":       true,
	"content-language":          true,
	"content-md5":               true,
	"content-location":          true,
	"message-id":                true,
	"in-reply-to":               true,
	"subject":                   true,
	"date":                      true,
	"mime-version":              true,
}

var addressHeaders = map[string]bool{
	"from":     true,
	"sender":   true,
	"reply-to": true,
	"to":       true,
	"cc":       true,
	"bcc":      true,
}

func parseHeaderLines(lines []string, defaultType string) Header {
	values := make(map[string][]string)
	for _, line := range lines {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:i]))
		if !validHeaderKey(key) {
			continue
		}
		values[key] = append(values[key], toUTF8(unfold(line[i+1:])))
	}

	h := make(Header, len(values)+1)
	for key, vals := range values {
		last := vals[len(vals)-1]
		switch {
		case addressHeaders[key]:
			var addrs []Address
			for _, v := range vals {
				addrs = append(addrs, ParseAddressList(v)...)
			}
			h[key] = HeaderValue{Kind: KindAddresses, Addresses: addrs}
		case key == "content-type" || key == "content-disposition":
			if key == "content-type" && last == "" {
				last = defaultType
			}
			h[key] = HeaderValue{Kind: KindContentType, ContentType: parseContentType(last)}
		case singletonHeaders[key] || len(vals) == 1:
			h[key] = Single(last)
		default:
			h[key] = Multiple(vals)
		}
	}

	if _, ok := h["content-type"]; !ok {
		h["content-type"] = HeaderValue{Kind: KindContentType, ContentType: parseContentType(defaultType)}
	}
	return h
}

func validHeaderKey(key string) bool {
	if key == "" || len(key) > MaxHeaderKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '*', c == '-':
		default:
			return false
		}
	}
	return true
}

func unfold(value string) string {
	return strings.TrimSpace(strings.NewReplacer("\r\n", "", "\n", "").Replace(value))
}

// toUTF8 returns value unchanged when it is valid UTF-8 and otherwise
// reads the bytes as Windows-1252, which never fails.
func toUTF8(value string) string {
	if utf8.ValidString(value) {
		return value
	}
	decoded, err := charmap.Windows1252.NewDecoder().String(value)
	if err != nil {
		return strings.ToValidUTF8(value, "\uFFFD")
	}
	return decoded
}

// ParseContentType parses a Content-Type or Content-Disposition value.
func ParseContentType(value string) *ContentType {
	return parseContentType(value)
}

func parseContentType(value string) *ContentType {
	parts := splitParams(value)
	ct := &ContentType{Params: map[string]string{}}

	ct.Value = strings.ToLower(strings.TrimSpace(parts[0]))
	if i := strings.IndexByte(ct.Value, '/'); i >= 0 {
		ct.Type = strings.TrimSpace(ct.Value[:i])
		ct.Subtype = strings.TrimSpace(ct.Value[i+1:])
	} else {
		ct.Type = ct.Value
	}

	continued := make(map[string][]rfc2231Part)
	for _, p := range parts[1:] {
		i := strings.IndexByte(p, '=')
		if i < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(p[:i]))
		val := unquote(strings.TrimSpace(p[i+1:]))
		if key == "" {
			continue
		}

		star := strings.IndexByte(key, '*')
		if star < 0 {
			ct.Params[key] = val
			continue
		}
		base, rest := key[:star], key[star+1:]
		part := rfc2231Part{value: val}
		if strings.HasSuffix(rest, "*") {
			part.encoded = true
			rest = strings.TrimSuffix(rest, "*")
		} else if rest == "" {
			// name*=charset'lang'value
			part.encoded = true
		}
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil {
				ct.Params[key] = val
				continue
			}
			part.index = n
		}
		continued[base] = append(continued[base], part)
	}

	for base, ps := range continued {
		ct.Params[base] = joinRFC2231(ps)
	}
	ct.HasParams = len(ct.Params) > 0
	return ct
}

type rfc2231Part struct {
	index   int
	encoded bool
	value   string
}

// joinRFC2231 merges continuation parameters into one value. When any
// section was percent encoded the result is a MIME encoded word in the
// declared charset, so the value stays 7bit like every other parameter.
func joinRFC2231(parts []rfc2231Part) string {
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].index < parts[j].index })

	var (
		buf      strings.Builder
		charset  string
		encoded  bool
		firstSet bool
	)
	for _, p := range parts {
		v := p.value
		if p.encoded {
			encoded = true
			if !firstSet {
				if segs := strings.SplitN(v, "'", 3); len(segs) == 3 {
					charset = segs[0]
					v = segs[2]
				}
			}
			if dec, err := url.PathUnescape(v); err == nil {
				v = dec
			}
		}
		firstSet = true
		buf.WriteString(v)
	}

	if !encoded {
		return buf.String()
	}
	if charset == "" {
		charset = "utf-8"
	}
	return mime.QEncoding.Encode(strings.ToLower(charset), buf.String())
}

// splitParams splits on semicolons outside quoted strings.
func splitParams(value string) []string {
	var (
		parts   []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ';' && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	return append(parts, cur.String())
}

func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}
	v = v[1 : len(v)-1]
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
		}
		b.WriteByte(v[i])
	}
	return b.String()
}
