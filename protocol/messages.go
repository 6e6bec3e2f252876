package protocol

// KeyValue is one key and the value written to it.
type KeyValue struct {
	Key   string
	Value string
}

type Empty struct{}

type KeyRequest struct {
	Key string
}

type GetReply struct {
	Value string
	Found bool
}

type KeysReply struct {
	Keys []string
}

type SetRequest struct {
	Key   string
	Value string
}

type LockReply struct {
	Stamp uint64
}

type UnlockRequest struct {
	Key   string
	Stamp uint64
}

// WriteRequest carries a tentative write. Xid 0 means the write belongs to
// no transaction.
type WriteRequest struct {
	Key   string
	Value string
	Xid   uint64
}

type VoteReply struct {
	Accepted bool
}

type TransactionRequest struct {
	Xid uint64
}

type TransactionReply struct {
	Xid uint64
}

type RegisterRequest struct {
	Hostname string
	Port     int
}

type RegisterReply struct {
	Snapshot map[string]string
}
