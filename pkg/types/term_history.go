package types

// TermHistory is an ordered sequence of TermLsn with strictly increasing
// terms and strictly increasing LSNs. For a given prefix of the log it
// records which term wrote which byte range: all bytes in
// [entries[i].Lsn, entries[i+1].Lsn) were written under entries[i].Term. The
// final entry is open-ended up to the holder's flush LSN.
type TermHistory []TermLsn

// UpTo returns a copy of h with entries whose Lsn is strictly after upTo
// truncated off.
func (h TermHistory) UpTo(upTo Lsn) TermHistory {
	res := make(TermHistory, 0, len(h))
	for _, e := range h {
		if e.Lsn > upTo {
			break
		}
		res = append(res, e)
	}
	return res
}

// Epoch returns the term of the last entry whose Lsn is <= flushLsn, or
// InvalidTerm if the history is empty at that point.
func (h TermHistory) Epoch(flushLsn Lsn) Term {
	th := h.UpTo(flushLsn)
	if len(th) == 0 {
		return InvalidTerm
	}
	return th[len(th)-1].Term
}

// Last returns the final entry and true, or the zero value and false if h is
// empty.
func (h TermHistory) Last() (TermLsn, bool) {
	if len(h) == 0 {
		return TermLsn{}, false
	}
	return h[len(h)-1], true
}

// FindHighestCommonPoint finds the point of divergence between a proposer's
// term history and a safekeeper's. Arguments are not symmetric: the
// proposer's history conceptually ends at +infinity while the safekeeper's
// ends at skWalEnd.
//
// It walks both histories in lockstep while terms agree (at matching terms
// the LSNs must also agree, by construction of a valid history) and returns
// the term and LSN at which they last agreed. Returns ok=false if no prefix
// matches at all, meaning the proposer must resolve history from a
// different safekeeper first.
func FindHighestCommonPoint(propTh, skTh TermHistory, skWalEnd Lsn) (TermLsn, bool) {
	lastCommonIdx := -1
	n := len(propTh)
	if len(skTh) < n {
		n = len(skTh)
	}
	for i := 0; i < n; i++ {
		if propTh[i].Term != skTh[i].Term {
			break
		}
		lastCommonIdx = i
	}
	if lastCommonIdx < 0 {
		return TermLsn{}, false
	}

	term := propTh[lastCommonIdx].Term
	if lastCommonIdx == len(propTh)-1 {
		return TermLsn{Term: term, Lsn: skWalEnd}, true
	}

	propCommonTermEnd := propTh[lastCommonIdx+1].Lsn
	skCommonTermEnd := skWalEnd
	if lastCommonIdx+1 < len(skTh) {
		skCommonTermEnd = skTh[lastCommonIdx+1].Lsn
	}
	return TermLsn{Term: term, Lsn: MinLsn(propCommonTermEnd, skCommonTermEnd)}, true
}
