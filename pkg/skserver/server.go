/*
Package skserver accepts compute connections and dispatches the tagged
messages pkg/skproto defines to a pkg/timeline.Registry. spec.md §6
describes the real wire protocol as framed on top of a streaming DB
protocol's copy-both stream; reproducing that handshake in full is out
of scope (Non-goals exclude the real Postgres wire protocol), so each
connection here is framed with a plain 4-byte big-endian length prefix
ahead of the same tagged payload skproto.ParseProposerMessage decodes,
carrying the byte-exact message contract without the surrounding
protocol. Grounded on cuemby-warren's pkg/api/server.go for the
Server/Start/Stop shape, adapted from a gRPC listener to a raw TCP one.
*/
package skserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/skproto"
	"github.com/cuemby/strata/pkg/timeline"
	"github.com/cuemby/strata/pkg/types"
)

// maxFrameSize bounds one connection frame: a tag byte, a fixed header,
// and at most skproto.MaxSendSize of raw WAL.
const maxFrameSize = skproto.MaxSendSize + 4096

// Resolver looks up (or creates) the timeline a tenant/timeline pair
// names, opening its on-disk state on first contact.
type Resolver func(ttid types.TenantTimelineId) (*timeline.Timeline, error)

// Server accepts safekeeper compute connections on a TCP listener,
// resolving each message's target timeline through resolve.
type Server struct {
	resolve Resolver

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a server that resolves timelines through resolve.
func New(resolve Resolver) *Server {
	return &Server{resolve: resolve}
}

// Serve accepts connections on lis until it is closed.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	skLog := log.WithComponent("skserver")
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleConn(conn); err != nil && err != io.EOF {
				skLog.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection closed")
			}
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	var tl *timeline.Timeline
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return err
		}
		msg, err := skproto.ParseProposerMessage(frame)
		if err != nil {
			return fmt.Errorf("skserver: parse message: %w", err)
		}

		if msg.Greeting != nil {
			tl, err = s.resolve(types.TenantTimelineId{TenantId: msg.Greeting.TenantId, TimelineId: msg.Greeting.TimelineId})
			if err != nil {
				return err
			}
		}
		if tl == nil {
			return fmt.Errorf("skserver: message on connection without a prior greeting")
		}

		appendResp, greeting, voteResp, err := tl.ProcessMessage(msg)
		if err != nil {
			return fmt.Errorf("skserver: process message: %w", err)
		}

		var reply []byte
		switch {
		case greeting != nil:
			reply = skproto.EncodeGreeting(*greeting)
		case voteResp != nil:
			reply = skproto.EncodeVoteResponse(*voteResp)
		case appendResp != nil:
			reply = skproto.EncodeAppendResponse(*appendResp)
		default:
			continue
		}
		if err := writeFrame(conn, reply); err != nil {
			return err
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("skserver: frame size %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
