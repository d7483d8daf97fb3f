package walredo

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/cuemby/strata/pkg/types"
)

// Process drives a long-lived wal-redo child process over its stdin/stdout
// pipes: one request, one response, length-prefixed, serialized by mu so
// concurrent RequestRedo calls queue rather than interleaving writes.
type Process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// StartProcess launches the wal-redo binary at path (conventionally a
// stripped-down postgres built for this purpose) with workdir as its
// working directory.
func StartProcess(ctx context.Context, path, workdir string, pgVersion uint32) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, "--wal-redo", fmt.Sprintf("--pg-version=%d", pgVersion))
	cmd.Dir = workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("walredo: starting %s: %w", path, err)
	}
	return &Process{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

// Apply sends one redo request (base image, base LSN, WAL records, target
// LSN, pg version) and reads back the resulting page image. Wire framing
// is a simple length-prefixed sequence of fields; the real wal-redo
// protocol additionally speaks Postgres's own startup/copy protocol, which
// is out of scope here (see DESIGN.md).
func (p *Process) Apply(ctx context.Context, key types.Key, baseImg []byte, baseLsn types.Lsn, records [][]byte, endLsn types.Lsn, pgVersion uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := writeFrame(p.stdin, key[:]); err != nil {
		return nil, err
	}
	if err := writeUint64(p.stdin, uint64(baseLsn)); err != nil {
		return nil, err
	}
	if err := writeFrame(p.stdin, baseImg); err != nil {
		return nil, err
	}
	if err := writeUint32(p.stdin, uint32(len(records))); err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := writeFrame(p.stdin, rec); err != nil {
			return nil, err
		}
	}
	if err := writeUint64(p.stdin, uint64(endLsn)); err != nil {
		return nil, err
	}

	return readFrame(p.stdout)
}

// Close terminates the child process and releases its pipes.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeFrame(w io.Writer, data []byte) error {
	if err := writeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
