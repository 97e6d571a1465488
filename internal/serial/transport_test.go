package serial

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linjuya-lu/device_opcua_go/internal/bridgeerr"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
)

// fakePort 把写入记录下来，读出预先排好的字节
type fakePort struct {
	mu      sync.Mutex
	written [][]byte
	pending []byte
	flushes int
	readErr error
}

func (f *fakePort) Open() error  { return nil }
func (f *fakePort) Close() error { return nil }
func (f *fakePort) Name() string { return "fake" }

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) { return len(p), f.WriteFrame(p) }

func (f *fakePort) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), frame...))
	return nil
}

func (f *fakePort) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	f.pending = nil
	return nil
}

func (f *fakePort) feed(b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, b...)
}

func TestTransportReadsTerminatedFrame(t *testing.T) {
	port := &fakePort{}
	tr := NewTransport(port, Parsers["crlf"])

	require.NoError(t, tr.Write([]byte("IN_PV_4 \r \n")))
	port.feed("120.5 4\r\n")

	frame, err := tr.Read(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "120.5 4", string(frame))
	assert.Equal(t, 1, port.flushes)
}

func TestTransportTimeout(t *testing.T) {
	tr := NewTransport(&fakePort{}, Parsers["cr"])

	start := time.Now()
	_, err := tr.Read(30 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestTransportDiscardsStaleReply(t *testing.T) {
	port := &fakePort{}
	tr := NewTransport(port, Parsers["cr"])

	// 上一条命令超时后才到的应答
	port.feed("00100")
	_, err := tr.Read(10 * time.Millisecond)
	require.Error(t, err)
	port.feed("\r")

	require.NoError(t, tr.Write([]byte("1S\r")))
	port.feed("00200\r")
	frame, err := tr.Read(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "00200", string(frame))
}

func TestTransportPortLost(t *testing.T) {
	port := &fakePort{readErr: os.ErrClosed}
	tr := NewTransport(port, Parsers["cr"])

	_, err := tr.Read(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.ErrPortLost))
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTransport))
}

func TestParseIsmatec(t *testing.T) {
	frame, rest, err := ParseIsmatec([]byte("*"))
	require.NoError(t, err)
	assert.Equal(t, "*", string(frame))
	assert.Empty(t, rest)

	frame, rest, err = ParseIsmatec([]byte("#\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "#", string(frame))
	assert.Empty(t, rest)

	frame, _, err = ParseIsmatec([]byte("0094"))
	require.NoError(t, err)
	assert.Nil(t, frame)

	frame, rest, err = ParseIsmatec([]byte("00944\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "00944", string(frame))
	assert.Empty(t, rest)
}

func TestTerminatedRejectsRunaway(t *testing.T) {
	buf := make([]byte, maxFrameLen+1)
	_, _, err := Terminated([]byte("\r"))(buf)
	assert.Error(t, err)
}

func TestLineTime(t *testing.T) {
	assert.Equal(t, time.Duration(0), lineTime(10, testSerialConfig(0)))
	// 9600 8N1：10 比特/字节，96 字节 = 100ms
	assert.Equal(t, 100*time.Millisecond, lineTime(96, testSerialConfig(9600)))
}

func testSerialConfig(baud int) config.SerialConfig {
	return config.SerialConfig{Baudrate: baud, ByteSize: 8, Parity: "N", StopBits: 1}
}
