package courier

import (
	"cmp"
	"slices"

	"github.com/rbaliyan/courier/backend"
)

// feedEntry is one message in the feed.
type feedEntry struct {
	msg backend.Message
	// rev is the feed clock at the entry's last local change: a push
	// insert or an optimistic mutation. Zero for entries only ever fetched.
	rev uint64
	// seq is the insertion order; it breaks CreatedAt ties.
	seq uint64
}

// feed is the merged, de-duplicated inbox, newest first. Not safe for
// concurrent use; the engine only touches it from the serial queue.
type feed struct {
	entries []*feedEntry
	index   map[string]*feedEntry
	clock   uint64
	seq     uint64
}

func newFeed() *feed {
	return &feed{index: make(map[string]*feedEntry)}
}

// rev returns the current clock. A fetch records it when issued.
func (f *feed) rev() uint64 {
	return f.clock
}

func (f *feed) len() int {
	return len(f.entries)
}

func (f *feed) get(id string) (*feedEntry, bool) {
	e, ok := f.index[id]
	return e, ok
}

// unread counts messages not marked read.
func (f *feed) unread() int {
	n := 0
	for _, e := range f.entries {
		if !e.msg.Read {
			n++
		}
	}
	return n
}

// insertLocal adds a live message. It returns false if the id is already
// in the feed; the first copy keeps its place.
func (f *feed) insertLocal(m backend.Message) bool {
	if _, ok := f.index[m.ID]; ok {
		return false
	}
	f.clock++
	f.add(m, f.clock)
	f.sort()
	return true
}

// merge folds a fetched page into the feed and returns how many messages
// were new. For a message already present, the fetched read and opened
// flags win only if the entry has not changed locally since issuedRev.
func (f *feed) merge(msgs []backend.Message, issuedRev uint64) int {
	added := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if e, ok := f.index[m.ID]; ok {
			if e.rev <= issuedRev {
				e.msg.Read = m.Read
				e.msg.Opened = m.Opened
			}
			continue
		}
		f.add(m, 0)
		added++
	}
	if added > 0 {
		f.sort()
	}
	return added
}

// retainSince drops every entry that has not changed locally after rev.
// A refresh calls it before merging the fresh first page.
func (f *feed) retainSince(rev uint64) {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.rev > rev {
			kept = append(kept, e)
			continue
		}
		delete(f.index, e.msg.ID)
	}
	clear(f.entries[len(kept):])
	f.entries = kept
}

// setFlags applies an optimistic mutation. It returns false if id is not
// in the feed.
func (f *feed) setFlags(id string, fn func(m *backend.Message)) bool {
	e, ok := f.index[id]
	if !ok {
		return false
	}
	fn(&e.msg)
	f.clock++
	e.rev = f.clock
	return true
}

// messages returns a copy of the feed in display order.
func (f *feed) messages() []backend.Message {
	out := make([]backend.Message, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.msg
	}
	return out
}

func (f *feed) add(m backend.Message, rev uint64) {
	f.seq++
	e := &feedEntry{msg: m, rev: rev, seq: f.seq}
	f.entries = append(f.entries, e)
	f.index[m.ID] = e
}

func (f *feed) sort() {
	slices.SortFunc(f.entries, func(a, b *feedEntry) int {
		if c := b.msg.CreatedAt.Compare(a.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
