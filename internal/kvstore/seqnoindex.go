package kvstore

import (
	"math/rand"
)

const (
	indexMaxLevel    = 16
	indexProbability = 0.5
)

// seqnoNode is a node in the seqno-ordered skip list.
type seqnoNode struct {
	seqno   uint64
	rec     *record
	forward []*seqnoNode
}

// seqnoIndex keeps one partition's persisted records ordered by seqno so
// backfill and warm-up can scan ranges without touching segment files out of
// order. One record per live key; superseded seqnos are removed as newer
// versions land.
type seqnoIndex struct {
	head  *seqnoNode
	level int
	size  int
	rnd   *rand.Rand
}

func newSeqnoIndex(rnd *rand.Rand) *seqnoIndex {
	return &seqnoIndex{
		head: &seqnoNode{forward: make([]*seqnoNode, indexMaxLevel)},
		rnd:  rnd,
	}
}

func (si *seqnoIndex) randomLevel() int {
	level := 0
	for si.rnd.Float64() < indexProbability && level < indexMaxLevel-1 {
		level++
	}
	return level
}

// insert adds or replaces the record at seqno.
func (si *seqnoIndex) insert(seqno uint64, rec *record) {
	update := make([]*seqnoNode, indexMaxLevel)
	current := si.head

	for i := si.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].seqno < seqno {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current != nil && current.seqno == seqno {
		current.rec = rec
		return
	}

	newLevel := si.randomLevel()
	if newLevel > si.level {
		for i := si.level + 1; i <= newLevel; i++ {
			update[i] = si.head
		}
		si.level = newLevel
	}

	node := &seqnoNode{
		seqno:   seqno,
		rec:     rec,
		forward: make([]*seqnoNode, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	si.size++
}

// remove deletes the record at seqno, reporting whether it existed.
func (si *seqnoIndex) remove(seqno uint64) bool {
	update := make([]*seqnoNode, indexMaxLevel)
	current := si.head

	for i := si.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].seqno < seqno {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current == nil || current.seqno != seqno {
		return false
	}

	for i := 0; i <= si.level; i++ {
		if update[i].forward[i] != current {
			break
		}
		update[i].forward[i] = current.forward[i]
	}
	for si.level > 0 && si.head.forward[si.level] == nil {
		si.level--
	}
	si.size--
	return true
}

// ascend walks records with start <= seqno <= end in order. Returning false
// from fn stops the walk.
func (si *seqnoIndex) ascend(start, end uint64, fn func(seqno uint64, rec *record) bool) {
	current := si.head
	for i := si.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].seqno < start {
			current = current.forward[i]
		}
	}
	for node := current.forward[0]; node != nil && node.seqno <= end; node = node.forward[0] {
		if !fn(node.seqno, node.rec) {
			return
		}
	}
}

// max returns the highest indexed seqno, or 0 for an empty index.
func (si *seqnoIndex) max() uint64 {
	current := si.head
	for i := si.level; i >= 0; i-- {
		for current.forward[i] != nil {
			current = current.forward[i]
		}
	}
	return current.seqno
}

// len returns the number of indexed records.
func (si *seqnoIndex) len() int { return si.size }
