package walredo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	require.NoError(t, writeFrame(&buf, []byte{}))

	r := bufio.NewReader(&buf)
	got, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = readFrame(r)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestWriteUint32AndUint64LittleEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint32(&buf, 42))
	require.NoError(t, writeUint64(&buf, 1<<40))

	require.Equal(t, []byte{42, 0, 0, 0}, buf.Bytes()[:4])
	require.Equal(t, []byte{0, 0, 0, 0, 0, 1, 0, 0}, buf.Bytes()[4:12])
}

func TestApplySendsRequestAndReadsResponse(t *testing.T) {
	// Simulate the child process side with an in-memory pipe pair: our
	// Process writes a request frame sequence into stdinW, a goroutine
	// playing the child reads it and writes back a response frame.
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	p := &Process{stdin: stdinW, stdout: bufio.NewReader(stdoutR)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := bufio.NewReader(stdinR)
		// key frame
		readFrame(r)
		// base lsn
		var lsnBuf [8]byte
		io.ReadFull(r, lsnBuf[:])
		// base image frame
		readFrame(r)
		// record count
		var cntBuf [4]byte
		io.ReadFull(r, cntBuf[:])
		n := binary.LittleEndian.Uint32(cntBuf[:])
		for i := uint32(0); i < n; i++ {
			readFrame(r)
		}
		// end lsn
		io.ReadFull(r, lsnBuf[:])

		writeFrame(stdoutW, []byte("reconstructed-page"))
	}()

	out, err := p.Apply(context.Background(), testKey(1), []byte("base"), 0, [][]byte{[]byte("rec1")}, 10, 160000)
	require.NoError(t, err)
	require.Equal(t, "reconstructed-page", string(out))

	stdinW.Close()
	<-done
}
