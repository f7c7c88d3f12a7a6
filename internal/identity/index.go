// Package identity tracks identity-field reuse across transactions and the vendor blacklist.
package identity

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// Lookup is the read side consumed by rules.
type Lookup interface {
	// ReuseCount returns how many earlier transactions used the value.
	ReuseCount(kind Kind, value string) int
	IsBlacklistedVendor(name string) bool
}

// MalformedKeyError reports identity fields that were empty after normalization.
// The remaining keys of the transaction are still recorded.
type MalformedKeyError struct {
	TxID   string
	Fields []Kind
}

func (e *MalformedKeyError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return fmt.Sprintf("transaction %s: empty identity keys: %s", e.TxID, strings.Join(names, ", "))
}

type use struct {
	txID string
	seq  uint64
}

// Index maps normalized identity keys to the ordered transactions that used them.
// Record is the only mutation; the index grows for the lifetime of the process.
type Index struct {
	mu       sync.RWMutex
	keys     map[string][]use
	recorded map[string]uint64
	seq      uint64
	vendors  map[string]string
}

// NewIndex creates an index seeded with a vendor blacklist.
func NewIndex(blacklist []string) *Index {
	idx := &Index{
		keys:     make(map[string][]use),
		recorded: make(map[string]uint64),
		vendors:  make(map[string]string),
	}
	for _, v := range blacklist {
		idx.BlacklistVendor(v)
	}
	return idx
}

func key(kind Kind, normalized string) string {
	return string(kind) + ":" + normalized
}

// Record inserts the transaction's identity keys in processing order.
// Recording the same transaction id twice is a no-op.
func (i *Index) Record(tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("transaction id is required")
	}

	values := map[Kind]string{
		KindPhone:    tx.Phone,
		KindEmail:    tx.Email,
		KindUserName: tx.UserName,
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.recorded[tx.ID]; ok {
		return nil
	}
	i.seq++
	seq := i.seq
	i.recorded[tx.ID] = seq

	var malformed []Kind
	for _, kind := range Kinds {
		n := Normalize(kind, values[kind])
		if n == "" {
			malformed = append(malformed, kind)
			continue
		}
		k := key(kind, n)
		i.keys[k] = append(i.keys[k], use{txID: tx.ID, seq: seq})
	}

	if len(malformed) > 0 {
		return &MalformedKeyError{TxID: tx.ID, Fields: malformed}
	}
	return nil
}

// Recorded reports whether a transaction id has been recorded.
func (i *Index) Recorded(txID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.recorded[txID]
	return ok
}

// Len returns the number of recorded transactions.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.recorded)
}

// ReuseCount counts every recorded transaction that used the value.
func (i *Index) ReuseCount(kind Kind, value string) int {
	return i.countBefore(kind, value, ^uint64(0))
}

// Before returns a view that only sees transactions recorded strictly before txID.
// If txID was never recorded the view sees everything recorded so far.
func (i *Index) Before(txID string) Lookup {
	i.mu.RLock()
	seq, ok := i.recorded[txID]
	if !ok {
		seq = i.seq + 1
	}
	i.mu.RUnlock()
	return &view{idx: i, seq: seq}
}

func (i *Index) countBefore(kind Kind, value string, seq uint64) int {
	n := Normalize(kind, value)
	if n == "" {
		return 0
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	uses := i.keys[key(kind, n)]
	return sort.Search(len(uses), func(j int) bool { return uses[j].seq >= seq })
}

// TxIDs returns the transactions that used the value, in processing order.
func (i *Index) TxIDs(kind Kind, value string) []string {
	n := Normalize(kind, value)

	i.mu.RLock()
	defer i.mu.RUnlock()

	uses := i.keys[key(kind, n)]
	ids := make([]string, len(uses))
	for j, u := range uses {
		ids[j] = u.txID
	}
	return ids
}

// IsBlacklistedVendor is a case-insensitive set membership test.
func (i *Index) IsBlacklistedVendor(name string) bool {
	n := NormalizeVendor(name)
	if n == "" {
		return false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.vendors[n]
	return ok
}

// BlacklistVendor adds a vendor. It returns false if the name was empty or already present.
func (i *Index) BlacklistVendor(name string) bool {
	n := NormalizeVendor(name)
	if n == "" {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.vendors[n]; ok {
		return false
	}
	i.vendors[n] = strings.TrimSpace(name)
	return true
}

// Vendors returns the blacklist in display form, sorted.
func (i *Index) Vendors() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.vendors))
	for _, v := range i.vendors {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type view struct {
	idx *Index
	seq uint64
}

func (v *view) ReuseCount(kind Kind, value string) int {
	return v.idx.countBefore(kind, value, v.seq)
}

func (v *view) IsBlacklistedVendor(name string) bool {
	return v.idx.IsBlacklistedVendor(name)
}
