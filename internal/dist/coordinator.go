// Package dist establishes the multi-process training group and
// provides the collective operations the training loop needs:
// barrier, gradient all-reduce, and parameter broadcast.
//
// Topology is a star: rank 0 listens on MASTER_ADDR:MASTER_PORT and
// every other rank holds one connection to it. All ranks enter each
// collective in lockstep, so the hub serves them inline without a
// background loop. A process launched without RANK in its
// environment runs solo and every collective is a no-op.
package dist

import (
	"encoding/binary"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Env var contract shared with torchrun-style launchers.
const (
	envRank       = "RANK"
	envLocalRank  = "LOCAL_RANK"
	envWorldSize  = "WORLD_SIZE"
	envMasterAddr = "MASTER_ADDR"
	envMasterPort = "MASTER_PORT"
)

// Options configures a coordinator explicitly; FromEnv fills one
// from the process environment.
type Options struct {
	Rank        int
	LocalRank   int
	WorldSize   int
	MasterAddr  string
	MasterPort  int
	DialTimeout time.Duration // how long non-zero ranks wait for the hub
	OpTimeout   time.Duration // per-collective deadline
}

// Coordinator is the process's handle on the training group.
type Coordinator struct {
	opts     Options
	solo     bool
	syncGrad bool

	listener net.Listener
	peers    []net.Conn // rank 0: indexed by peer rank, entry 0 nil
	hub      net.Conn   // non-zero ranks: connection to rank 0
}

// FromEnv reads the process environment. Absence of RANK means
// single-process mode; otherwise RANK and WORLD_SIZE must both
// parse, and LOCAL_RANK defaults to RANK for single-host runs.
func FromEnv() (*Coordinator, error) {
	rankStr, ok := os.LookupEnv(envRank)
	if !ok {
		return solo(), nil
	}
	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", envRank)
	}
	world, err := strconv.Atoi(os.Getenv(envWorldSize))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s (required when %s is set)", envWorldSize, envRank)
	}
	local := rank
	if s, ok := os.LookupEnv(envLocalRank); ok {
		if local, err = strconv.Atoi(s); err != nil {
			return nil, errors.Wrapf(err, "parse %s", envLocalRank)
		}
	}
	addr := os.Getenv(envMasterAddr)
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := 29500
	if s, ok := os.LookupEnv(envMasterPort); ok {
		if port, err = strconv.Atoi(s); err != nil {
			return nil, errors.Wrapf(err, "parse %s", envMasterPort)
		}
	}
	return New(Options{
		Rank:       rank,
		LocalRank:  local,
		WorldSize:  world,
		MasterAddr: addr,
		MasterPort: port,
	})
}

func solo() *Coordinator {
	return &Coordinator{
		opts:     Options{WorldSize: 1},
		solo:     true,
		syncGrad: true,
	}
}

// New connects the process group described by opts. It blocks until
// every rank has joined or a timeout expires; a group that cannot
// form is a fatal configuration error, never retried.
func New(opts Options) (*Coordinator, error) {
	if opts.WorldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", opts.WorldSize)
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.Errorf("rank %d outside world of %d", opts.Rank, opts.WorldSize)
	}
	if opts.WorldSize == 1 {
		c := solo()
		c.opts.LocalRank = opts.LocalRank
		return c, nil
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 60 * time.Second
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 5 * time.Minute
	}

	c := &Coordinator{opts: opts, syncGrad: true}
	var err error
	if opts.Rank == 0 {
		err = c.listenAndAccept()
	} else {
		err = c.dialHub()
	}
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	glog.Infof("process group ready: rank %d/%d via %s", opts.Rank, opts.WorldSize, c.hubAddr())
	return c, nil
}

func (c *Coordinator) hubAddr() string {
	return net.JoinHostPort(c.opts.MasterAddr, strconv.Itoa(c.opts.MasterPort))
}

// listenAndAccept runs on rank 0: accept one connection per peer,
// identified by a hello frame carrying its rank, then confirm the
// agreed world size back to it.
func (c *Coordinator) listenAndAccept() error {
	ln, err := net.Listen("tcp", c.hubAddr())
	if err != nil {
		return errors.Wrapf(err, "rank 0 listen on %s", c.hubAddr())
	}
	c.listener = ln
	c.peers = make([]net.Conn, c.opts.WorldSize)

	for joined := 1; joined < c.opts.WorldSize; joined++ {
		if dl, ok := ln.(*net.TCPListener); ok {
			dl.SetDeadline(time.Now().Add(c.opts.DialTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrapf(err, "accept peer %d of %d", joined, c.opts.WorldSize-1)
		}
		payload, err := readFrame(conn, opHello, c.opts.OpTimeout)
		if err != nil {
			conn.Close()
			return errors.WithMessage(err, "peer hello")
		}
		if len(payload) != 4 {
			conn.Close()
			return errors.Errorf("malformed hello of %d bytes", len(payload))
		}
		peer := int(binary.LittleEndian.Uint32(payload))
		if peer <= 0 || peer >= c.opts.WorldSize {
			conn.Close()
			return errors.Errorf("peer announced rank %d outside world of %d", peer, c.opts.WorldSize)
		}
		if c.peers[peer] != nil {
			conn.Close()
			return errors.Errorf("rank %d joined twice", peer)
		}
		var ack [4]byte
		binary.LittleEndian.PutUint32(ack[:], uint32(c.opts.WorldSize))
		if err := writeFrame(conn, opHello, ack[:], c.opts.OpTimeout); err != nil {
			conn.Close()
			return errors.WithMessagef(err, "ack rank %d", peer)
		}
		c.peers[peer] = conn
	}
	return nil
}

// dialHub runs on non-zero ranks: connect to rank 0 with retries
// while it comes up, announce our rank, and verify both sides agree
// on the world size.
func (c *Coordinator) dialHub() error {
	var conn net.Conn
	var err error
	deadline := time.Now().Add(c.opts.DialTimeout)
	for {
		conn, err = net.DialTimeout("tcp", c.hubAddr(), c.opts.DialTimeout)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "rank %d dial hub %s", c.opts.Rank, c.hubAddr())
		}
		time.Sleep(250 * time.Millisecond)
	}

	var hello [4]byte
	binary.LittleEndian.PutUint32(hello[:], uint32(c.opts.Rank))
	if err := writeFrame(conn, opHello, hello[:], c.opts.OpTimeout); err != nil {
		conn.Close()
		return errors.WithMessage(err, "announce rank")
	}
	ack, err := readFrame(conn, opHello, c.opts.OpTimeout)
	if err != nil {
		conn.Close()
		return errors.WithMessage(err, "hub ack")
	}
	if len(ack) != 4 {
		conn.Close()
		return errors.Errorf("malformed hub ack of %d bytes", len(ack))
	}
	if hubWorld := int(binary.LittleEndian.Uint32(ack)); hubWorld != c.opts.WorldSize {
		conn.Close()
		return errors.Errorf("world size disagreement: hub says %d, this rank was launched with %d",
			hubWorld, c.opts.WorldSize)
	}
	c.hub = conn
	return nil
}

func (c *Coordinator) Rank() int           { return c.opts.Rank }
func (c *Coordinator) LocalRank() int      { return c.opts.LocalRank }
func (c *Coordinator) WorldSize() int      { return c.opts.WorldSize }
func (c *Coordinator) IsPrimary() bool     { return c.opts.Rank == 0 }
func (c *Coordinator) IsDistributed() bool { return !c.solo }

// BindDevice pins this process to its compute device. This build
// executes on the host CPU, so any other device string is a
// configuration error.
func (c *Coordinator) BindDevice(device string) error {
	if device != "cpu" {
		return errors.Errorf("cannot bind device %q for local rank %d: only cpu is available",
			device, c.opts.LocalRank)
	}
	return nil
}

// ToggleGradientSync sets whether gradients computed by this process
// should be merged with peers'. The training loop disables it on all
// but the last micro-step of an accumulation window.
func (c *Coordinator) ToggleGradientSync(enabled bool) { c.syncGrad = enabled }

// GradientSyncEnabled reports the current advisory flag.
func (c *Coordinator) GradientSyncEnabled() bool { return c.syncGrad }

// Barrier blocks until every rank has entered it.
func (c *Coordinator) Barrier() error {
	if c.solo {
		return nil
	}
	if c.IsPrimary() {
		for peer, conn := range c.peers {
			if conn == nil {
				continue
			}
			if _, err := readFrame(conn, opBarrier, c.opts.OpTimeout); err != nil {
				return errors.WithMessagef(err, "barrier: rank %d", peer)
			}
		}
		for peer, conn := range c.peers {
			if conn == nil {
				continue
			}
			if err := writeFrame(conn, opRelease, nil, c.opts.OpTimeout); err != nil {
				return errors.WithMessagef(err, "barrier release: rank %d", peer)
			}
		}
		return nil
	}
	if err := writeFrame(c.hub, opBarrier, nil, c.opts.OpTimeout); err != nil {
		return errors.WithMessage(err, "barrier")
	}
	_, err := readFrame(c.hub, opRelease, c.opts.OpTimeout)
	return errors.WithMessage(err, "barrier release")
}

// AllReduceMean replaces buf on every rank with the elementwise mean
// across ranks. Every rank must pass a buffer of the same length and
// layout; the training loop uses one flat gradient buffer in
// canonical parameter order.
func (c *Coordinator) AllReduceMean(buf []float64) error {
	if c.solo {
		return nil
	}
	if c.IsPrimary() {
		recv := make([]float64, len(buf))
		for peer, conn := range c.peers {
			if conn == nil {
				continue
			}
			payload, err := readFrame(conn, opReduce, c.opts.OpTimeout)
			if err != nil {
				return errors.WithMessagef(err, "all-reduce recv: rank %d", peer)
			}
			if err := decodeFloat64s(payload, recv); err != nil {
				return errors.WithMessagef(err, "all-reduce recv: rank %d", peer)
			}
			floats.Add(buf, recv)
		}
		floats.Scale(1/float64(c.opts.WorldSize), buf)
		out := encodeFloat64s(buf)
		for peer, conn := range c.peers {
			if conn == nil {
				continue
			}
			if err := writeFrame(conn, opReduceResult, out, c.opts.OpTimeout); err != nil {
				return errors.WithMessagef(err, "all-reduce send: rank %d", peer)
			}
		}
		return nil
	}
	if err := writeFrame(c.hub, opReduce, encodeFloat64s(buf), c.opts.OpTimeout); err != nil {
		return errors.WithMessage(err, "all-reduce send")
	}
	payload, err := readFrame(c.hub, opReduceResult, c.opts.OpTimeout)
	if err != nil {
		return errors.WithMessage(err, "all-reduce recv")
	}
	return decodeFloat64s(payload, buf)
}

// BroadcastFloat32 copies rank 0's buffer into every rank's. The
// loop uses it once at startup so all replicas begin from identical
// weights.
func (c *Coordinator) BroadcastFloat32(buf []float32) error {
	if c.solo {
		return nil
	}
	if c.IsPrimary() {
		out := encodeFloat32s(buf)
		for peer, conn := range c.peers {
			if conn == nil {
				continue
			}
			if err := writeFrame(conn, opBroadcast, out, c.opts.OpTimeout); err != nil {
				return errors.WithMessagef(err, "broadcast send: rank %d", peer)
			}
		}
		return nil
	}
	payload, err := readFrame(c.hub, opBroadcast, c.opts.OpTimeout)
	if err != nil {
		return errors.WithMessage(err, "broadcast recv")
	}
	return decodeFloat32s(payload, buf)
}

// Shutdown tears down the group's sockets. Safe to call more than
// once and on a solo coordinator.
func (c *Coordinator) Shutdown() {
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	for i, conn := range c.peers {
		if conn != nil {
			conn.Close()
			c.peers[i] = nil
		}
	}
	if c.hub != nil {
		c.hub.Close()
		c.hub = nil
	}
}
