package search

import (
	"github.com/emersion/go-imap"
)

// FromCriteria compiles go-imap SEARCH criteria into terms. uids lists the
// mailbox UIDs in sequence order and is used to resolve sequence sets and
// "*" in UID sets.
func FromCriteria(c *imap.SearchCriteria, uids []uint32) []Term {
	if c == nil {
		return []Term{All()}
	}
	var terms []Term

	if c.SeqNum != nil {
		set := make(UIDSet)
		for i, uid := range uids {
			if contains(c.SeqNum, uint32(i+1), uint32(len(uids))) {
				set[uid] = struct{}{}
			}
		}
		terms = append(terms, Term{Kind: KindUID, UIDs: set})
	}
	if c.Uid != nil {
		var maxUID uint32
		if len(uids) > 0 {
			maxUID = uids[len(uids)-1]
		}
		set := make(UIDSet)
		for _, uid := range uids {
			if contains(c.Uid, uid, maxUID) {
				set[uid] = struct{}{}
			}
		}
		terms = append(terms, Term{Kind: KindUID, UIDs: set})
	}

	if !c.Since.IsZero() {
		terms = append(terms, Term{Kind: KindInternalDate, Op: OpGreaterEqual, Date: c.Since})
	}
	if !c.Before.IsZero() {
		terms = append(terms, Term{Kind: KindInternalDate, Op: OpLess, Date: c.Before})
	}
	if !c.SentSince.IsZero() {
		terms = append(terms, Term{Kind: KindDate, Op: OpGreaterEqual, Date: c.SentSince})
	}
	if !c.SentBefore.IsZero() {
		terms = append(terms, Term{Kind: KindDate, Op: OpLess, Date: c.SentBefore})
	}

	for key, values := range c.Header {
		for _, v := range values {
			terms = append(terms, Term{Kind: KindHeader, Header: key, Value: v})
		}
	}
	for _, v := range c.Body {
		terms = append(terms, Term{Kind: KindBody, Value: v})
	}
	for _, v := range c.Text {
		terms = append(terms, Term{Kind: KindText, Value: v})
	}

	for _, f := range c.WithFlags {
		terms = append(terms, Flag(f, true))
	}
	for _, f := range c.WithoutFlags {
		terms = append(terms, Flag(f, false))
	}

	if c.Larger > 0 {
		terms = append(terms, Term{Kind: KindSize, Op: OpGreater, Number: uint64(c.Larger)})
	}
	if c.Smaller > 0 {
		terms = append(terms, Term{Kind: KindSize, Op: OpLess, Number: uint64(c.Smaller)})
	}

	for _, not := range c.Not {
		terms = append(terms, Not(group(FromCriteria(not, uids))))
	}
	for _, or := range c.Or {
		terms = append(terms, Or(group(FromCriteria(or[0], uids)), group(FromCriteria(or[1], uids))))
	}

	if len(terms) == 0 {
		return []Term{All()}
	}
	return terms
}

func group(terms []Term) Term {
	if len(terms) == 1 {
		return terms[0]
	}
	return And(terms...)
}

// contains resolves "*" to last before testing membership.
func contains(set *imap.SeqSet, n, last uint32) bool {
	for _, seq := range set.Set {
		start, stop := seq.Start, seq.Stop
		if start == 0 {
			start = last
		}
		if stop == 0 {
			stop = last
		}
		if start > stop {
			start, stop = stop, start
		}
		if n >= start && n <= stop {
			return true
		}
	}
	return false
}
