// Package constants holds protocol and runtime defaults shared across
// the reliability and agreement stack.
package constants

import "time"

// Packet header layout (see wire.Packet): origin_pid(8) + type(4) + seq_id(4) + payload_len(4).
const (
	HeaderSize = 20

	PacketTypeData uint32 = 0
	PacketTypeACK  uint32 = 1
)

// Stubborn-link token bucket defaults.
const (
	DefaultMaxBudget         = 32
	DefaultReplenishAmount   = 16
	DefaultReplenishInterval = 100 * time.Millisecond
	MinRetransmitInterval    = 10 * time.Millisecond
	MaxRetransmitInterval    = 1000 * time.Millisecond
)

// Worker pool sizing.
const (
	ReadEventLoopWorkers   = 5
	WriteEventLoopWorkers  = 3
	MonitorDeliveryWorkers = 2
)

// URBMonitorIdleSleep is the brief sleep a URB monitor takes on an empty
// pass, so idle scanning doesn't spin a core.
const URBMonitorIdleSleep = 2 * time.Millisecond

// MaxProposalsPerPacket is the lattice batching limit.
const MaxProposalsPerPacket = 8

// DatagramBufferSize is the read buffer used per UDP recv call.
const DatagramBufferSize = 64 * 1024

// PerfectLinkDeliveredShards is the number of lock shards the perfect
// link's delivered-set is partitioned into, keyed by origin_pid-1. (URB's
// pending set has one shard per host instead.)
const PerfectLinkDeliveredShards = 32
