package entries

// Resolver merges entries by workflow progression.
//
// The remote entry is the base, so descriptive fields and every scoring
// field come from upstream. The status is whichever side has progressed
// further: a team checked in at the table offline is not sent back to
// no-status by a stale server row, and a completed run upstream is not
// undone by a local row that lagged behind.
type Resolver struct{}

// Resolve implements replica.Resolver.
func (Resolver) Resolve(local, remote Entry) Entry {
	merged := remote
	if local.Status.Index() > remote.Status.Index() {
		merged.Status = local.Status
	}
	return merged
}
