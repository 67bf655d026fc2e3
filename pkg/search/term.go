// Package search evaluates IMAP SEARCH queries against stored messages.
package search

import "time"

// Term kinds.
const (
	KindAll          = "all"
	KindFlag         = "flag"
	KindInternalDate = "internaldate"
	KindDate         = "date"
	KindBody         = "body"
	KindText         = "text"
	KindUID          = "uid"
	KindSize         = "size"
	KindHeader       = "header"
	KindModseq       = "modseq"
	KindOr           = "or"
	KindNot          = "not"
	// KindAnd groups terms that came from one criteria set, for use
	// inside or and not.
	KindAnd = "and"
)

// Comparison operators.
const (
	OpLess         = "<"
	OpLessEqual    = "<="
	OpEqual        = "="
	OpGreater      = ">"
	OpGreaterEqual = ">="
)

// UIDSet is a resolved set of UIDs.
type UIDSet map[uint32]struct{}

// NewUIDSet builds a set from a list of UIDs.
func NewUIDSet(uids ...uint32) UIDSet {
	s := make(UIDSet, len(uids))
	for _, uid := range uids {
		s[uid] = struct{}{}
	}
	return s
}

// Contains reports set membership.
func (s UIDSet) Contains(uid uint32) bool {
	_, ok := s[uid]
	return ok
}

// Term is one node of a query. Which fields apply depends on Kind.
type Term struct {
	Kind string
	Op   string

	// flag
	Flag   string
	Exists bool

	// internaldate, date
	Date time.Time

	// body, text, header
	Header string
	Value  string

	// uid
	UIDs UIDSet

	// size, modseq
	Number uint64

	// or, and: Terms; not: Terms[0]
	Terms []Term
}

// All matches every message.
func All() Term { return Term{Kind: KindAll} }

// Flag matches presence (exists) or absence of a flag.
func Flag(flag string, exists bool) Term {
	return Term{Kind: KindFlag, Flag: flag, Exists: exists}
}

// Or matches when any term matches.
func Or(terms ...Term) Term { return Term{Kind: KindOr, Terms: terms} }

// Not negates a term.
func Not(term Term) Term { return Term{Kind: KindNot, Terms: []Term{term}} }

// And matches when every term matches.
func And(terms ...Term) Term { return Term{Kind: KindAnd, Terms: terms} }
