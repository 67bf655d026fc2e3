package mimeparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleMessage(t *testing.T) {
	node, err := Parse([]byte("From: a@x\r\nTo: b@y\r\nSubject: hi\r\n\r\nHello"))
	require.NoError(t, err)

	assert.False(t, node.IsMultipart())
	assert.Equal(t, []string{"From: a@x", "To: b@y", "Subject: hi"}, node.Header)
	assert.Equal(t, []byte("Hello"), node.Body)
	assert.Equal(t, int64(5), node.Size)
	assert.Equal(t, 1, node.LineCount)
	assert.Equal(t, FramingBody, node.Framing)

	assert.Equal(t, "hi", node.ParsedHeader.Get("subject"))
	assert.Equal(t, []Address{{Address: "a@x"}}, node.ParsedHeader.Addresses("from"))

	ct := node.ContentType()
	assert.Equal(t, "text", ct.Type)
	assert.Equal(t, "plain", ct.Subtype)
}

func TestParseMultipart(t *testing.T) {
	region := "preamble\r\n" +
		"--foo\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"A\r\n" +
		"--foo  \r\n" +
		"\r\n" +
		"B\r\n" +
		"--foo--\r\n" +
		"epi"
	raw := "From: a@x\r\nContent-Type: multipart/mixed; boundary=\"foo\"\r\n\r\n" + region

	node, err := Parse([]byte(raw))
	require.NoError(t, err)

	require.True(t, node.IsMultipart())
	assert.Equal(t, "mixed", node.Multipart)
	assert.Equal(t, "foo", node.Boundary)
	assert.Equal(t, []string{"preamble"}, node.Preamble)
	assert.Equal(t, []string{"epi"}, node.Epilogue)
	assert.True(t, node.Closed)
	assert.Equal(t, int64(len(region)), node.Size)

	require.Len(t, node.ChildNodes, 2)
	first, second := node.ChildNodes[0], node.ChildNodes[1]

	assert.Equal(t, []byte("A"), first.Body)
	assert.Equal(t, "", first.DelimiterLine)
	assert.Equal(t, []string{"Content-Type: text/plain"}, first.Header)

	assert.Equal(t, []byte("B"), second.Body)
	assert.Equal(t, "--foo  ", second.DelimiterLine)
	assert.Empty(t, second.Header)
	assert.Equal(t, "text/plain", second.ContentType().Value)
}

func TestParseNestedBoundaryClosesChild(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=outer\r\n\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n\r\n" +
		"--inner\r\n\r\nplain\r\n" +
		"--inner\r\nContent-Type: text/html\r\n\r\n<b>html</b>\r\n" +
		"--outer\r\n\r\nsecond\r\n" +
		"--outer--\r\n"

	node, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, node.ChildNodes, 2)

	alt := node.ChildNodes[0]
	assert.Equal(t, "alternative", alt.Multipart)
	assert.False(t, alt.Closed)
	require.Len(t, alt.ChildNodes, 2)
	assert.Equal(t, []byte("<b>html</b>"), alt.ChildNodes[1].Body)

	assert.Equal(t, []byte("second"), node.ChildNodes[1].Body)
	assert.Equal(t, []string{""}, node.Epilogue)
}

func TestParseFoldedHeader(t *testing.T) {
	node, err := Parse([]byte("Subject: hello\r\n world\r\nX-Empty:\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "Subject: hello\r\n world", node.Header[0])
	assert.Equal(t, "hello world", node.ParsedHeader.Get("subject"))
	assert.True(t, node.ParsedHeader.Has("x-empty"))
	assert.Equal(t, []byte("body\r\n"), node.Body)
	assert.Equal(t, 1, node.LineCount)
}

func TestParseNormalizesLineEndings(t *testing.T) {
	lf, err := Parse([]byte("Subject: x\n\nline1\nline2\n"))
	require.NoError(t, err)
	crlf, err := Parse([]byte("Subject: x\r\n\r\nline1\r\nline2\r\n"))
	require.NoError(t, err)

	assert.Equal(t, crlf.Body, lf.Body)
	assert.Equal(t, crlf.Size, lf.Size)
	assert.Equal(t, []byte("Subject: x\r\n\r\nline1\r\n"), NormalizeNewlines([]byte("Subject: x\n\nline1\n")))
}

func TestParseHeaderOnlyAndEmptyBody(t *testing.T) {
	node, err := Parse([]byte("Subject: x"))
	require.NoError(t, err)
	assert.Equal(t, FramingHeaderOnly, node.Framing)
	assert.Equal(t, int64(0), node.Size)
	assert.Equal(t, "x", node.ParsedHeader.Get("subject"))

	node, err = Parse([]byte("Subject: x\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, FramingBody, node.Framing)
	assert.Equal(t, []byte(""), node.Body)

	node, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, FramingEmptyBody, node.Framing)
	assert.Equal(t, "text/plain", node.ContentType().Value)
}

func TestParseHeaderKeys(t *testing.T) {
	raw := "Received: one\r\nReceived: two\r\nSubject: first\r\nSubject: last\r\n" +
		"Bad Key: dropped\r\n" + "X-" + strings.Repeat("a", 120) + ": long\r\n\r\n"
	node, err := Parse([]byte(raw))
	require.NoError(t, err)

	received := node.ParsedHeader["received"]
	assert.Equal(t, KindMultiple, received.Kind)
	assert.Equal(t, []string{"one", "two"}, received.Values)
	assert.Equal(t, "last", node.ParsedHeader.Get("subject"))
	assert.False(t, node.ParsedHeader.Has("bad key"))
	assert.Len(t, node.ParsedHeader, 3)
	assert.Len(t, node.Header, 6)
}

func TestParseLatin1Header(t *testing.T) {
	node, err := Parse([]byte("Subject: caf\xe9\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "café", node.ParsedHeader.Get("subject"))
}

func TestParseContentTypeParams(t *testing.T) {
	ct := ParseContentType(`Text/HTML; Charset="UTF-8"; format=flowed; name="a \"q\";b"`)
	assert.Equal(t, "text/html", ct.Value)
	assert.Equal(t, "text", ct.Type)
	assert.Equal(t, "html", ct.Subtype)
	assert.True(t, ct.HasParams)
	assert.Equal(t, "UTF-8", ct.Params["charset"])
	assert.Equal(t, "flowed", ct.Params["format"])
	assert.Equal(t, `a "q";b`, ct.Params["name"])

	bare := ParseContentType("application/pdf")
	assert.False(t, bare.HasParams)
}

func TestParseRFC2231Continuations(t *testing.T) {
	node, err := Parse([]byte("Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment;\r\n" +
		" filename*0*=utf-8''%C3%A4b;\r\n" +
		" filename*1=c.txt\r\n\r\ndata"))
	require.NoError(t, err)

	disp := node.ParsedHeader.ContentType("content-disposition")
	require.NotNil(t, disp)
	assert.Equal(t, "attachment", disp.Value)

	filename := disp.Params["filename"]
	assert.True(t, strings.HasPrefix(filename, "=?utf-8?"))
	decoded, err := DecodeWords(filename)
	require.NoError(t, err)
	assert.Equal(t, "äbc.txt", decoded)

	plain := ParseContentType("text/plain; title*0=\"part one \"; title*1=\"part two\"")
	assert.Equal(t, "part one part two", plain.Params["title"])
}

func TestParseAddressList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Address
	}{
		{"single", "a@x", []Address{{Address: "a@x"}}},
		{"display name", `"Doe, John" <john@example.com>`, []Address{{Name: "Doe, John", Address: "john@example.com"}}},
		{"encoded name", "=?utf-8?q?J=C3=BCrgen?= <j@example.com>", []Address{{Name: "Jürgen", Address: "j@example.com"}}},
		{"empty group", "undisclosed-recipients:;", []Address{{IsGroup: true, Name: "undisclosed-recipients"}}},
		{"group with members", "Team: a@x, B <b@y>;, c@z", []Address{
			{IsGroup: true, Name: "Team", Group: []Address{{Address: "a@x"}, {Name: "B", Address: "b@y"}}},
			{Address: "c@z"},
		}},
		{"lenient", "broken name <not valid@>", []Address{{Name: "broken name", Address: "not valid@"}}},
		{"bare name", "nobody", []Address{{Name: "nobody"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAddressList(tt.input))
		})
	}
}

func TestParseAddressHeadersConcatenate(t *testing.T) {
	node, err := Parse([]byte("To: a@x\r\nTo: b@y, c@z\r\n\r\n"))
	require.NoError(t, err)
	addrs := node.ParsedHeader.Addresses("to")
	require.Len(t, addrs, 3)
	assert.Equal(t, "c@z", addrs[2].Address)
}

func TestParseEmbeddedMessage(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=b\r\n\r\n" +
		"--b\r\n\r\ntext\r\n" +
		"--b\r\nContent-Type: message/rfc822\r\n\r\n" +
		"Subject: inner\r\nFrom: in@x\r\n\r\ninner body\r\n" +
		"--b--\r\n"

	node, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, node.ChildNodes, 2)

	wrapped := node.ChildNodes[1]
	require.NotNil(t, wrapped.Message)
	assert.Equal(t, "inner", wrapped.Message.ParsedHeader.Get("subject"))
	assert.Equal(t, []byte("inner body"), wrapped.Message.Body)

	encoded, err := Parse([]byte("Content-Type: message/rfc822\r\nContent-Transfer-Encoding: base64\r\n\r\nU3ViamVjdDogeA=="))
	require.NoError(t, err)
	assert.Nil(t, encoded.Message)
}

func TestParseDigestDefaultsToMessage(t *testing.T) {
	raw := "Content-Type: multipart/digest; boundary=d\r\n\r\n" +
		"--d\r\n\r\nSubject: one\r\n\r\nfirst\r\n" +
		"--d--"
	node, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, node.ChildNodes, 1)
	child := node.ChildNodes[0]
	assert.Equal(t, "message/rfc822", child.ContentType().Value)
	require.NotNil(t, child.Message)
	assert.Equal(t, "one", child.Message.ParsedHeader.Get("subject"))
}

func TestParseMultipartWithoutParts(t *testing.T) {
	node, err := Parse([]byte("Content-Type: multipart/mixed; boundary=x\r\n\r\nno parts here\r\n"))
	require.NoError(t, err)
	assert.False(t, node.IsMultipart())
	assert.Equal(t, "application/octet-stream", node.ContentType().Value)
	assert.Equal(t, []byte("no parts here\r\n"), node.Body)

	node, err = Parse([]byte("Content-Type: multipart/mixed\r\n\r\n--x\r\nbody"))
	require.NoError(t, err)
	assert.False(t, node.IsMultipart())
	assert.Equal(t, []byte("--x\r\nbody"), node.Body)
}

func TestWalk(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=b\r\n\r\n" +
		"--b\r\n\r\none\r\n--b\r\n\r\ntwo\r\n--b--"
	node, err := Parse([]byte(raw))
	require.NoError(t, err)

	var bodies []string
	node.Walk(func(n *Node) bool {
		if !n.IsMultipart() {
			bodies = append(bodies, string(n.Body))
		}
		return true
	})
	assert.Equal(t, []string{"one", "two"}, bodies)
}
