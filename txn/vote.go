package txn

// Vote is one replica's answer to a tentative write. Rejected means the
// replica answered no; Failed means the call itself did not complete. Both
// abort the transaction, but only Failed carries a transport error back to
// the writer.
type Vote int

const (
	VoteAccepted Vote = iota
	VoteRejected
	VoteFailed
)

func (v Vote) String() string {
	switch v {
	case VoteAccepted:
		return "accepted"
	case VoteRejected:
		return "rejected"
	case VoteFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// tally folds individual votes into the outcome of the whole round. An
// empty round is accepted.
func tally(votes []Vote) Vote {
	outcome := VoteAccepted
	for _, v := range votes {
		if v > outcome {
			outcome = v
		}
	}
	return outcome
}
