// Package agent binds the framed event link to the execution engine. It
// serves one peer at a time, feeds inbound bytes through the protocol codec,
// and translates events into engine operations: script execution and stop,
// ping, stats reporting, and chunked file transfer.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/seantiz/etna/internal/engine"
	"github.com/seantiz/etna/internal/mempool"
	"github.com/seantiz/etna/internal/model"
	"github.com/seantiz/etna/internal/modules"
	"github.com/seantiz/etna/internal/protocol"
	"github.com/seantiz/etna/internal/store"
)

// Inbound command events.
const (
	EventExecute   = "lua_execute"
	EventStop      = "lua_stop"
	EventPing      = "ping"
	EventStats     = "stats"
	EventFileStart = "file_start"
	EventFileChunk = "file_chunk"
	EventFileEnd   = "file_end"
)

// Outbound events.
const (
	EventError   = "lua_error"
	EventPrint   = "lua_print"
	EventPong    = "pong"
	EventFileAck = "file_ack"
	EventFileErr = "file_err"
)

// ErrNoPeer is returned by the frame writer when nothing is connected.
var ErrNoPeer = errors.New("agent: no peer connected")

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Config holds the agent's link identity.
type Config struct {
	Header protocol.Header
}

// Stats is the payload of a stats reply.
type Stats struct {
	Running      bool            `cbor:"running"`
	CurrentRunID string          `cbor:"current_run_id"`
	Pool         mempool.Stats   `cbor:"pool"`
	Runs         *store.RunStats `cbor:"runs,omitempty"`
}

// FileStart announces a chunked file transfer.
type FileStart struct {
	Name  string `cbor:"name"`
	Size  int    `cbor:"size"`
	CRC32 uint32 `cbor:"crc32"`
}

// transfer is the single in-flight file transfer session. A new file_start
// aborts whatever was in progress.
type transfer struct {
	id   string
	name string
	size int
	crc  uint32
	buf  bytes.Buffer
	hash hash.Hash32
}

// Agent serves the event link.
type Agent struct {
	cfg      Config
	listener net.Listener
	engine   *engine.Engine
	store    store.Store
	logger   *slog.Logger
	codec    *protocol.Codec

	connMu sync.Mutex
	conn   net.Conn

	xferMu sync.Mutex
	xfer   *transfer
}

// New wires an agent onto listener. It registers the command handlers on its
// codec, attaches the script-facing modules to the engine, and routes the
// engine's completion and error callbacks back over the link.
func New(cfg Config, listener net.Listener, eng *engine.Engine, s store.Store, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:      cfg,
		listener: listener,
		engine:   eng,
		store:    s,
		logger:   logger,
	}
	a.codec = protocol.New(cfg.Header, a.writeFrame, logger)

	a.codec.On(EventExecute, a.handleExecute)
	a.codec.On(EventStop, func([]byte) { eng.Stop() })
	a.codec.On(EventPing, a.handlePing)
	a.codec.On(EventStats, a.handleStats)
	a.codec.On(EventFileStart, a.handleFileStart)
	a.codec.On(EventFileChunk, a.handleFileChunk)
	a.codec.On(EventFileEnd, a.handleFileEnd)

	eng.RegisterModule(modules.NewMessaging(a.codec, logger))
	if s != nil {
		eng.RegisterModule(modules.NewStorage(s, logger))
	}
	eng.RegisterModule(modules.NewConsole(logger, a.emitPrint))

	eng.OnError(func(runID string, err error) {
		a.send(EventError, []byte(err.Error()))
	})
	eng.OnStop(func(runID string) {
		a.send(EventStop, []byte(runID))
	})

	return a
}

// Serve accepts peers until the listener closes. Peers are handled one at a
// time; a second dialer waits until the first disconnects.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		connectionsTotal.Inc()
		a.handleConn(conn)
	}
}

// Close stops accepting peers and drops the current one.
func (a *Agent) Close() error {
	err := a.listener.Close()
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()
	return err
}

func (a *Agent) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	a.logger.Info("peer connected", "peer", peer)

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	a.codec.Reset()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			a.codec.Feed(buf[:n])
		}
		if err != nil {
			break
		}
	}

	a.connMu.Lock()
	a.conn = nil
	a.connMu.Unlock()
	conn.Close()
	a.logger.Info("peer disconnected", "peer", peer)
}

// writeFrame pushes one encoded frame to the connected peer.
func (a *Agent) writeFrame(frame []byte) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return ErrNoPeer
	}
	_, err := a.conn.Write(frame)
	return err
}

// send logs instead of failing when the peer is gone; every caller is on a
// path where there is nobody left to report the error to.
func (a *Agent) send(event string, payload []byte) {
	if err := a.codec.Send(event, payload); err != nil && !errors.Is(err, ErrNoPeer) {
		a.logger.Warn("failed to send event", "event", event, "error", err)
	}
}

func (a *Agent) emitPrint(line string) {
	a.engine.Broker().Publish(a.engine.CurrentRunID(), line)
	a.send(EventPrint, []byte(line))
}

func (a *Agent) handleExecute(payload []byte) {
	id, err := a.engine.Execute(context.Background(), string(payload))
	if err != nil {
		a.logger.Error("failed to submit script", "error", err)
		a.send(EventError, []byte(err.Error()))
		return
	}
	a.logger.Info("script submitted over link", "run_id", id, "code_size", len(payload))
}

func (a *Agent) handlePing(payload []byte) {
	a.send(EventPong, payload)
}

func (a *Agent) handleStats(payload []byte) {
	stats := Stats{
		Running:      a.engine.IsRunning(),
		CurrentRunID: a.engine.CurrentRunID(),
		Pool:         a.engine.PoolStats(),
	}
	if a.store != nil {
		runStats, err := a.store.GetRunStats(context.Background())
		if err != nil {
			a.logger.Error("failed to read run stats", "error", err)
		} else {
			stats.Runs = runStats
		}
	}

	out, err := cborEnc.Marshal(stats)
	if err != nil {
		a.logger.Error("failed to encode stats", "error", err)
		return
	}
	a.send(EventStats, out)
}

func (a *Agent) handleFileStart(payload []byte) {
	var start FileStart
	if err := cbor.Unmarshal(payload, &start); err != nil {
		a.send(EventFileErr, fmt.Appendf(nil, "file_start: %v", err))
		return
	}
	if start.Name == "" || start.Size < 0 {
		a.send(EventFileErr, []byte("file_start: name and size required"))
		return
	}

	a.xferMu.Lock()
	if a.xfer != nil {
		a.logger.Warn("aborting file transfer superseded by new file_start",
			"aborted", a.xfer.name, "new", start.Name)
		fileTransfers.WithLabelValues("aborted").Inc()
	}
	xfer := &transfer{
		id:   model.NewID(),
		name: start.Name,
		size: start.Size,
		crc:  start.CRC32,
		hash: crc32.NewIEEE(),
	}
	a.xfer = xfer
	a.xferMu.Unlock()

	a.logger.Info("file transfer started", "transfer_id", xfer.id, "name", start.Name, "size", start.Size)
}

func (a *Agent) handleFileChunk(payload []byte) {
	a.xferMu.Lock()
	defer a.xferMu.Unlock()

	if a.xfer == nil {
		a.send(EventFileErr, []byte("file_chunk: no transfer in progress"))
		return
	}
	if a.xfer.buf.Len()+len(payload) > a.xfer.size {
		name := a.xfer.name
		a.xfer = nil
		fileTransfers.WithLabelValues("failed").Inc()
		a.send(EventFileErr, fmt.Appendf(nil, "%s: more data than announced", name))
		return
	}
	a.xfer.buf.Write(payload)
	a.xfer.hash.Write(payload)
}

func (a *Agent) handleFileEnd(payload []byte) {
	a.xferMu.Lock()
	xfer := a.xfer
	a.xfer = nil
	a.xferMu.Unlock()

	if xfer == nil {
		a.send(EventFileErr, []byte("file_end: no transfer in progress"))
		return
	}
	if xfer.buf.Len() != xfer.size {
		fileTransfers.WithLabelValues("failed").Inc()
		a.send(EventFileErr, fmt.Appendf(nil, "%s: got %d bytes, announced %d",
			xfer.name, xfer.buf.Len(), xfer.size))
		return
	}
	if sum := xfer.hash.Sum32(); sum != xfer.crc {
		fileTransfers.WithLabelValues("failed").Inc()
		a.send(EventFileErr, fmt.Appendf(nil, "%s: crc mismatch, got %08x want %08x",
			xfer.name, sum, xfer.crc))
		return
	}

	if a.store != nil {
		f := &model.StoredFile{
			Name:      xfer.name,
			Size:      xfer.size,
			CRC32:     xfer.crc,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.SaveFile(context.Background(), f, xfer.buf.Bytes()); err != nil {
			a.logger.Error("failed to persist file", "name", xfer.name, "error", err)
			fileTransfers.WithLabelValues("failed").Inc()
			a.send(EventFileErr, fmt.Appendf(nil, "%s: store: %v", xfer.name, err))
			return
		}
	}

	fileTransfers.WithLabelValues("completed").Inc()
	a.logger.Info("file transfer completed", "transfer_id", xfer.id, "name", xfer.name, "size", xfer.size)
	a.send(EventFileAck, []byte(xfer.name))
}
