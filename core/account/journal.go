package account

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// journalEntry undoes one state change.
type journalEntry interface {
	revert(a *Account)
}

// journal records changes so a snapshot can be rolled back.
type journal struct {
	entries   []journalEntry
	snapshots map[int]int // snapshot id -> entry count at snapshot time
	nextID    int
}

func newJournal() *journal {
	return &journal{snapshots: make(map[int]int)}
}

func (j *journal) append(e journalEntry) { j.entries = append(j.entries, e) }

func (j *journal) snapshot() int {
	id := j.nextID
	j.nextID++
	j.snapshots[id] = len(j.entries)
	return id
}

// revertToSnapshot undoes every change after id, newest first, and forgets
// id and every later snapshot. Unknown ids are ignored.
func (j *journal) revertToSnapshot(id int, a *Account) {
	idx, ok := j.snapshots[id]
	if !ok {
		return
	}
	for i := len(j.entries) - 1; i >= idx; i-- {
		j.entries[i].revert(a)
	}
	j.entries = j.entries[:idx]
	for sid := range j.snapshots {
		if sid >= id {
			delete(j.snapshots, sid)
		}
	}
}

// discard forgets id and every later snapshot without undoing anything.
func (j *journal) discard(id int) {
	for sid := range j.snapshots {
		if sid >= id {
			delete(j.snapshots, sid)
		}
	}
	if len(j.snapshots) == 0 {
		j.entries = nil
	}
}

type dataChange struct {
	key    common.Hash
	prev   []byte
	exists bool
}

func (ch dataChange) revert(a *Account) {
	if ch.exists {
		a.data[ch.key] = ch.prev
	} else {
		delete(a.data, ch.key)
	}
}

type balanceChange struct {
	addr common.Address
	prev *uint256.Int
}

func (ch balanceChange) revert(a *Account) {
	if ch.prev == nil {
		delete(a.balances, ch.addr)
	} else {
		a.balances[ch.addr] = ch.prev
	}
}

type ownerChange struct {
	prevOwner, prevPending common.Address
}

func (ch ownerChange) revert(a *Account) {
	a.owner = ch.prevOwner
	a.pendingOwner = ch.prevPending
}

type deployChange struct {
	addr      common.Address
	prevNonce uint64
}

func (ch deployChange) revert(a *Account) {
	delete(a.code, ch.addr)
	a.nonce = ch.prevNonce
}
