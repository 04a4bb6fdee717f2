package coordinator

import "github.com/benjaminabbitt/angzarr-sub000"

// MaxResequenceRetries bounds how many times a command may be rebased and
// re-run against refreshed state after losing the sequence race (spec §4.4
// step 4b, I2).
const MaxResequenceRetries = 3

// rebase shifts every page's sequence by the delta between the live
// next_sequence and the batch's original first sequence, preserving
// relative order within the batch (spec §9 "Retry mechanics"). The caller
// re-invokes client logic with the refreshed prior state rather than
// re-appending the same pages, since the decision may change.
func rebase(pages []angzarr.EventPage, liveNext uint32) []angzarr.EventPage {
	if len(pages) == 0 {
		return pages
	}
	delta := liveNext - pages[0].Sequence
	out := make([]angzarr.EventPage, len(pages))
	for i, p := range pages {
		p.Sequence += delta
		out[i] = p
	}
	return out
}
