package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TenantId is an opaque 128-bit identifier naming a tenant.
type TenantId [16]byte

// TimelineId is an opaque 128-bit identifier naming a timeline within a tenant.
type TimelineId [16]byte

// NodeId identifies a safekeeper or pageserver in the cluster.
type NodeId uint64

// ShardCount is the total number of shards a tenant is split across.
type ShardCount uint8

// ShardNumber is this shard's index within ShardCount.
type ShardNumber uint8

// ShardIndex narrows a tenant to one shard.
type ShardIndex struct {
	Number ShardNumber
	Count  ShardCount
}

// Unsharded reports whether the tenant has not been split.
func (s ShardIndex) Unsharded() bool {
	return s.Count <= 1
}

func (s ShardIndex) String() string {
	if s.Unsharded() {
		return "unsharded"
	}
	return fmt.Sprintf("%02d%02d", s.Number, s.Count)
}

// Generation is a monotonically increasing counter assigned to each
// attachment of a tenant-shard to a pageserver. It disambiguates concurrent
// writers across failovers; it is embedded in every layer file name.
type Generation uint32

// GenerationNone is the sentinel for "generation-less" deployments (no generation
// tracking configured). Real attachments always carry Generation >= 1.
const GenerationNone Generation = 0

func NewTenantId() TenantId {
	return TenantId(randomBytes16())
}

func NewTimelineId() TimelineId {
	return TimelineId(randomBytes16())
}

func randomBytes16() [16]byte {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("types: failed to read random bytes: %v", err))
	}
	return b
}

func (t TenantId) String() string   { return hex.EncodeToString(t[:]) }
func (t TimelineId) String() string { return hex.EncodeToString(t[:]) }

func (t TenantId) IsZero() bool   { return t == TenantId{} }
func (t TimelineId) IsZero() bool { return t == TimelineId{} }

// TenantIdFromHex parses a 32-character hex string into a TenantId.
func TenantIdFromHex(s string) (TenantId, error) {
	var id TenantId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("types: invalid tenant id %q: %w", s, err)
	}
	if len(b) != 16 {
		return id, fmt.Errorf("types: tenant id %q must decode to 16 bytes, got %d", s, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// TimelineIdFromHex parses a 32-character hex string into a TimelineId.
func TimelineIdFromHex(s string) (TimelineId, error) {
	var id TimelineId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("types: invalid timeline id %q: %w", s, err)
	}
	if len(b) != 16 {
		return id, fmt.Errorf("types: timeline id %q must decode to 16 bytes, got %d", s, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// TenantTimelineId names a timeline unambiguously within the cluster.
type TenantTimelineId struct {
	TenantId   TenantId
	TimelineId TimelineId
}

func (t TenantTimelineId) String() string {
	return fmt.Sprintf("%s/%s", t.TenantId, t.TimelineId)
}
