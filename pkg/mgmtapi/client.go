package mgmtapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/strata/pkg/types"
)

// TimelineStatus is GetTimelineStatus's response, decoded from the wire
// struct into typed fields for callers.
type TimelineStatus struct {
	Active     bool
	CommitLsn  string
	FlushLsn   string
	PeerCount  int
	LayerCount int
}

// EvictionStats is TriggerEviction's response.
type EvictionStats struct {
	Candidates   int
	Evicted      int
	NotEvictable int
	Errors       int
}

// LayerInfo is one entry of ListLayers's response.
type LayerInfo struct {
	KeyStart string
	KeyEnd   string
	LsnStart string
	LsnEnd   string
	IsDelta  bool
	Status   string
	Remote   string
}

// Client wraps a connection to a node's management surface, the way
// cuemby-warren's pkg/client.Client wraps its own gRPC connection.
type Client struct {
	conn *grpc.ClientConn
	stub AdminClient
}

// Dial connects to a node's management listener without transport
// security; the management surface is meant for a trusted operator
// network, not for the compute-facing or peer-facing listeners.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("mgmtapi: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, stub: NewAdminClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func ttidRequest(ttid types.TenantTimelineId) *structpb.Struct {
	req, err := structpb.NewStruct(map[string]interface{}{
		"tenant_id":   ttid.TenantId.String(),
		"timeline_id": ttid.TimelineId.String(),
	})
	if err != nil {
		panic(fmt.Sprintf("mgmtapi: build request: %v", err))
	}
	return req
}

// GetTimelineStatus fetches the current status of one timeline.
func (c *Client) GetTimelineStatus(ctx context.Context, ttid types.TenantTimelineId) (TimelineStatus, error) {
	resp, err := c.stub.GetTimelineStatus(ctx, ttidRequest(ttid))
	if err != nil {
		return TimelineStatus{}, err
	}
	m := resp.AsMap()
	return TimelineStatus{
		Active:     asBool(m["active"]),
		CommitLsn:  asString(m["commit_lsn"]),
		FlushLsn:   asString(m["flush_lsn"]),
		PeerCount:  int(asFloat(m["peer_count"])),
		LayerCount: int(asFloat(m["layer_count"])),
	}, nil
}

// TriggerEviction asks the pageserver holding ttid to run one eviction
// sweep immediately.
func (c *Client) TriggerEviction(ctx context.Context, ttid types.TenantTimelineId) (EvictionStats, error) {
	resp, err := c.stub.TriggerEviction(ctx, ttidRequest(ttid))
	if err != nil {
		return EvictionStats{}, err
	}
	m := resp.AsMap()
	return EvictionStats{
		Candidates:   int(asFloat(m["candidates"])),
		Evicted:      int(asFloat(m["evicted"])),
		NotEvictable: int(asFloat(m["not_evictable"])),
		Errors:       int(asFloat(m["errors"])),
	}, nil
}

// ListLayers fetches the current layer map of a pageserver timeline.
func (c *Client) ListLayers(ctx context.Context, ttid types.TenantTimelineId) ([]LayerInfo, error) {
	resp, err := c.stub.ListLayers(ctx, ttidRequest(ttid))
	if err != nil {
		return nil, err
	}
	m := resp.AsMap()
	raw, _ := m["layers"].([]interface{})
	out := make([]LayerInfo, 0, len(raw))
	for _, item := range raw {
		lm, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, LayerInfo{
			KeyStart: asString(lm["key_start"]),
			KeyEnd:   asString(lm["key_end"]),
			LsnStart: asString(lm["lsn_start"]),
			LsnEnd:   asString(lm["lsn_end"]),
			IsDelta:  asBool(lm["is_delta"]),
			Status:   asString(lm["status"]),
			Remote:   asString(lm["remote"]),
		})
	}
	return out, nil
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
