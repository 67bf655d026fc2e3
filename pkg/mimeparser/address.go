package mimeparser

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// ParseAddressList parses an address header value. Groups are kept as
// group entries. Entries the strict parser rejects are recovered
// leniently, so the result never carries an error.
func ParseAddressList(value string) []Address {
	var (
		result  []Address
		group   *Address
		cur     strings.Builder
		quoted  bool
		escaped bool
		angle   int
		comment int
	)

	flush := func() {
		entry := strings.TrimSpace(cur.String())
		cur.Reset()
		if entry == "" {
			return
		}
		addr := parseAddress(entry)
		if group != nil {
			group.Group = append(group.Group, addr)
		} else {
			result = append(result, addr)
		}
	}

	for _, r := range value {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && (quoted || comment > 0):
			escaped = true
		case r == '"' && comment == 0:
			quoted = !quoted
		case quoted:
		case r == '(':
			comment++
		case r == ')' && comment > 0:
			comment--
		case comment > 0:
		case r == '<':
			angle++
		case r == '>' && angle > 0:
			angle--
		case angle > 0:
		case r == ',':
			flush()
			continue
		case r == ':' && group == nil:
			name := strings.TrimSpace(cur.String())
			cur.Reset()
			group = &Address{IsGroup: true, Name: DecodeWordsOrRaw(unquote(name))}
			continue
		case r == ';' && group != nil:
			flush()
			result = append(result, *group)
			group = nil
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	if group != nil {
		result = append(result, *group)
	}
	return result
}

func parseAddress(entry string) Address {
	if a, err := mail.ParseAddress(entry); err == nil {
		return Address{Name: a.Name, Address: a.Address}
	}

	if lt := strings.LastIndexByte(entry, '<'); lt >= 0 {
		if gt := strings.IndexByte(entry[lt:], '>'); gt > 0 {
			name := strings.TrimSpace(entry[:lt])
			return Address{
				Name:    DecodeWordsOrRaw(unquote(name)),
				Address: strings.TrimSpace(entry[lt+1 : lt+gt]),
			}
		}
	}
	if strings.Contains(entry, "@") {
		return Address{Address: entry}
	}
	return Address{Name: DecodeWordsOrRaw(unquote(entry))}
}
