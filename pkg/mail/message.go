// Package mail holds the stored message document.
package mail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
)

// Message is the document stored per mailbox message.
type Message struct {
	Mailbox      string    `json:"mailbox"`
	UID          uint32    `json:"uid"`
	Modseq       uint64    `json:"modseq"`
	Flags        []string  `json:"flags"`
	InternalDate time.Time `json:"idate"`
	// HeaderDate is the parsed Date header, zero when absent or invalid.
	HeaderDate time.Time `json:"hdate,omitempty"`
	Size       int64     `json:"size"`

	MimeTree      *mimeparser.Node `json:"mimeTree,omitempty"`
	Envelope      []interface{}    `json:"envelope,omitempty"`
	Body          []interface{}    `json:"body,omitempty"`
	BodyStructure []interface{}    `json:"bodystructure,omitempty"`

	// Raw is kept only for messages that were stored without an index.
	Raw []byte `json:"raw,omitempty"`
	// Attachments lists the blob ids referenced by the tree.
	Attachments []string `json:"attachments,omitempty"`
	MessageID   string   `json:"msgid,omitempty"`
}

// HasFlag reports whether the message carries flag. Flags match exactly.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Marshal encodes the message document.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %d: %w", m.UID, err)
	}
	return data, nil
}

// Unmarshal decodes a message document. Numbers inside the IMAP arrays
// come back as uint32 like BuildStructure produced them.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	m.Envelope = normalizeNumbers(m.Envelope)
	m.Body = normalizeNumbers(m.Body)
	m.BodyStructure = normalizeNumbers(m.BodyStructure)
	return &m, nil
}

func normalizeNumbers(list []interface{}) []interface{} {
	for i, v := range list {
		switch v := v.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil && n >= 0 && n <= math.MaxUint32 {
				list[i] = uint32(n)
			}
		case []interface{}:
			list[i] = normalizeNumbers(v)
		}
	}
	return list
}
