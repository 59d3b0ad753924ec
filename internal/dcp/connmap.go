package dcp

import (
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/riptidedb/riptide/internal/kvstore"
	"github.com/riptidedb/riptide/internal/protocol"
	"github.com/riptidedb/riptide/internal/status"
	"go.uber.org/zap"
)

// ConnMap tracks every producer connection of the bucket so partition
// events fan out to all of them. A connection name is unique; reopening a
// name replaces (and tears down) the previous connection.
type ConnMap struct {
	store     kvstore.KVStore
	lookup    PartitionLookup
	cfg       Config
	producers *xsync.MapOf[string, *Producer]
	logger    *zap.Logger
}

// NewConnMap creates the connection registry.
func NewConnMap(store kvstore.KVStore, lookup PartitionLookup, cfg Config, logger *zap.Logger) *ConnMap {
	return &ConnMap{
		store:     store,
		lookup:    lookup,
		cfg:       cfg,
		producers: xsync.NewMapOf[string, *Producer](),
		logger:    logger,
	}
}

// NewProducer registers a named producer connection, replacing any previous
// holder of the name.
func (cm *ConnMap) NewProducer(name string) *Producer {
	p := NewProducer(name, cm.store, cm.lookup, cm.cfg, cm.logger)
	if prev, ok := cm.producers.LoadAndStore(name, p); ok {
		prev.CloseAll(protocol.StreamEndDisconnected)
	}
	return p
}

// Get returns the named producer.
func (cm *ConnMap) Get(name string) (*Producer, bool) {
	return cm.producers.Load(name)
}

// Disconnect drops a connection, walking all of its streams and pending
// state.
func (cm *ConnMap) Disconnect(name string) error {
	p, ok := cm.producers.LoadAndDelete(name)
	if !ok {
		return status.Newf(status.KeyMissing, "unknown connection %q", name)
	}
	p.CloseAll(protocol.StreamEndDisconnected)
	return nil
}

// Notify fans a partition seqno event out to every connection.
func (cm *ConnMap) Notify(vbid uint16, seqno uint64) {
	cm.producers.Range(func(_ string, p *Producer) bool {
		p.Notify(vbid, seqno)
		return true
	})
}

// CloseStreamsForVB ends every connection's stream on vbid; used by state
// changes and rollback.
func (cm *ConnMap) CloseStreamsForVB(vbid uint16, reason protocol.StreamEndReason) {
	cm.producers.Range(func(_ string, p *Producer) bool {
		p.CloseStreamsForVB(vbid, reason)
		return true
	})
}

// Shutdown disconnects everything.
func (cm *ConnMap) Shutdown() {
	cm.producers.Range(func(name string, p *Producer) bool {
		cm.producers.Delete(name)
		p.CloseAll(protocol.StreamEndDisconnected)
		return true
	})
}

// NumConnections returns the live connection count.
func (cm *ConnMap) NumConnections() int {
	n := 0
	cm.producers.Range(func(string, *Producer) bool { n++; return true })
	return n
}
