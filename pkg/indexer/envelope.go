package indexer

import (
	"strings"

	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
	"golang.org/x/net/idna"
)

// BuildEnvelope builds the IMAP ENVELOPE for a parsed header:
// [date, subject, from, sender, reply-to, to, cc, bcc, in-reply-to, message-id].
// Absent fields are nil.
func BuildEnvelope(h mimeparser.Header) []interface{} {
	from := addressList(h.Addresses("from"))

	sender := addressList(h.Addresses("sender"))
	if sender == nil {
		sender = from
	}
	replyTo := addressList(h.Addresses("reply-to"))
	if replyTo == nil {
		replyTo = from
	}

	var subject interface{}
	if h.Has("subject") {
		subject = mimeparser.DecodeWordsOrRaw(h.Get("subject"))
	}

	return []interface{}{
		stringOrNil(h, "date"),
		subject,
		from,
		sender,
		replyTo,
		addressList(h.Addresses("to")),
		addressList(h.Addresses("cc")),
		addressList(h.Addresses("bcc")),
		stringOrNil(h, "in-reply-to"),
		stringOrNil(h, "message-id"),
	}
}

func stringOrNil(h mimeparser.Header, key string) interface{} {
	if !h.Has(key) {
		return nil
	}
	if v := h.Get(key); v != "" {
		return v
	}
	return nil
}

// addressList returns an untyped nil for an empty list so the envelope
// slot compares equal to nil.
func addressList(addrs []mimeparser.Address) interface{} {
	if len(addrs) == 0 {
		return nil
	}
	list := make([]interface{}, 0, len(addrs))
	for _, a := range addrs {
		if a.IsGroup {
			list = append(list, []interface{}{nil, nil, nilIfEmpty(mimeparser.DecodeWordsOrRaw(a.Name)), nil})
			for _, member := range a.Group {
				list = append(list, addressTuple(member))
			}
			list = append(list, []interface{}{nil, nil, nil, nil})
			continue
		}
		list = append(list, addressTuple(a))
	}
	return list
}

func addressTuple(a mimeparser.Address) []interface{} {
	var user, host string
	if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
		user, host = a.Address[:i], a.Address[i+1:]
	} else {
		user = a.Address
	}
	if host != "" {
		if unicode, err := idna.ToUnicode(host); err == nil {
			host = unicode
		}
	}
	return []interface{}{
		nilIfEmpty(mimeparser.DecodeWordsOrRaw(a.Name)),
		nil,
		nilIfEmpty(user),
		nilIfEmpty(host),
	}
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
