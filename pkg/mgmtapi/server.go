package mgmtapi

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/strata/pkg/eviction"
	"github.com/cuemby/strata/pkg/layermap"
	"github.com/cuemby/strata/pkg/layerobj"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/timeline"
	"github.com/cuemby/strata/pkg/types"
)

// TimelineHandle is the set of resources one timeline exposes to the
// management surface. A safekeeper registers SafekeeperTimeline; a
// pageserver registers Layers (and Eviction, if an eviction loop is
// configured for it). Either or both may be set.
type TimelineHandle struct {
	SafekeeperTimeline *timeline.Timeline
	Layers             *layermap.Map
	Eviction           *eviction.Task
}

// Server implements AdminServer, dispatching to whichever timelines have
// been registered with it.
type Server struct {
	mu        sync.RWMutex
	timelines map[types.TenantTimelineId]*TimelineHandle

	grpcServer *grpc.Server
}

// NewServer builds an empty management server.
func NewServer() *Server {
	s := &Server{timelines: make(map[types.TenantTimelineId]*TimelineHandle)}
	s.grpcServer = grpc.NewServer()
	RegisterAdminServer(s.grpcServer, s)
	return s
}

// Register exposes a timeline's resources through the management surface.
func (s *Server) Register(ttid types.TenantTimelineId, h *TimelineHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timelines[ttid] = h
}

// Unregister removes a timeline, e.g. after it's detached or deleted.
func (s *Server) Unregister(ttid types.TenantTimelineId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timelines, ttid)
}

// Serve accepts management connections on lis until it is closed.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop gracefully shuts down the management server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) lookup(req *structpb.Struct) (types.TenantTimelineId, *TimelineHandle, error) {
	fields := req.GetFields()
	tenantHex := fields["tenant_id"].GetStringValue()
	timelineHex := fields["timeline_id"].GetStringValue()

	tenant, err := types.TenantIdFromHex(tenantHex)
	if err != nil {
		return types.TenantTimelineId{}, nil, fmt.Errorf("mgmtapi: invalid tenant_id %q: %w", tenantHex, err)
	}
	tl, err := types.TimelineIdFromHex(timelineHex)
	if err != nil {
		return types.TenantTimelineId{}, nil, fmt.Errorf("mgmtapi: invalid timeline_id %q: %w", timelineHex, err)
	}
	ttid := types.TenantTimelineId{TenantId: tenant, TimelineId: tl}

	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.timelines[ttid]
	if !ok {
		return ttid, nil, fmt.Errorf("mgmtapi: timeline %s not registered", ttid)
	}
	return ttid, h, nil
}

// GetTimelineStatus reports whichever of a timeline's safekeeper and
// pageserver state is available: consensus activity and peer count on
// the safekeeper side, layer count on the pageserver side.
func (s *Server) GetTimelineStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ttid, h, err := s.lookup(req)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"tenant_id":   ttid.TenantId.String(),
		"timeline_id": ttid.TimelineId.String(),
	}

	if h.SafekeeperTimeline != nil {
		st := h.SafekeeperTimeline.State()
		out["active"] = h.SafekeeperTimeline.Active()
		out["commit_lsn"] = st.CommitLsn.String()
		out["flush_lsn"] = st.CommitLsn.String()
		out["peer_count"] = float64(len(h.SafekeeperTimeline.Peers()))
	}
	if h.Layers != nil {
		all := h.Layers.All()
		out["layer_count"] = float64(len(all))

		resident := 0
		for _, d := range all {
			if d.Handle.Status() == layerobj.Resident {
				resident++
			}
		}
		metrics.LayersResidentTotal.WithLabelValues(ttid.String()).Set(float64(resident))
	}

	return structpb.NewStruct(out)
}

// TriggerEviction runs one eviction sweep over a pageserver timeline's
// layer map immediately, outside its regular schedule, and reports the
// resulting stats.
func (s *Server) TriggerEviction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, h, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	if h.Eviction == nil {
		return nil, fmt.Errorf("mgmtapi: timeline has no eviction task configured")
	}

	stats := h.Eviction.RunIteration(ctx)
	return structpb.NewStruct(map[string]interface{}{
		"candidates":    float64(stats.Candidates),
		"evicted":       float64(stats.Evicted),
		"not_evictable": float64(stats.NotEvictable),
		"errors":        float64(stats.Errors),
	})
}

// ListLayers reports every layer currently in a pageserver timeline's
// layer map.
func (s *Server) ListLayers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, h, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	if h.Layers == nil {
		return nil, fmt.Errorf("mgmtapi: timeline has no layer map registered")
	}

	layers := make([]interface{}, 0, len(h.Layers.All()))
	for _, d := range h.Layers.All() {
		layers = append(layers, map[string]interface{}{
			"key_start": d.KeyRange.Start.String(),
			"key_end":   d.KeyRange.End.String(),
			"lsn_start": d.LsnStart.String(),
			"lsn_end":   d.LsnEnd.String(),
			"is_delta":  d.IsDelta,
			"status":    d.Handle.Status().String(),
			"remote":    d.Handle.RemoteKey(),
		})
	}

	return structpb.NewStruct(map[string]interface{}{"layers": layers})
}
