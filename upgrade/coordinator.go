package upgrade

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ruocuoguo23/chain-proxy/metrics"
	"github.com/ruocuoguo23/chain-proxy/params"
	"github.com/ruocuoguo23/chain-proxy/signal"
)

// Control-channel messages. The successor speaks first.
const (
	msgRequestSockets = "request-sockets"
	msgAck            = "ack"
)

// Upgrade session states, in the order a successful handoff passes through
// them.
const (
	StateRequested    = "requested"
	StateSocketsSent  = "sockets-sent"
	StateAcknowledged = "acknowledged"
	StateDrained      = "drained"
	StateComplete     = "complete"
	StateFailed       = "failed"
)

const (
	handoffIOTimeout = 10 * time.Second

	// inheritDialWindow bounds how long a successor keeps retrying the
	// control socket before deciding there is no predecessor.
	inheritDialWindow = 3 * time.Second

	// maxHandoffFDs bounds one SCM_RIGHTS message.
	maxHandoffFDs = 253
)

// manifest describes the file descriptors riding along in the same control
// message, by position.
type manifest struct {
	Version int      `json:"version"`
	Pid     int      `json:"pid"`
	Names   []string `json:"names"`
}

// Coordinator implements zero-downtime restarts. A starting instance asks
// the running one for its listening sockets over a unix control socket; the
// sockets cross as SCM_RIGHTS and the old instance drains once the new one
// acknowledges. At no point is any port unbound.
type Coordinator struct {
	cfg    params.ServerConfig
	logger *zap.Logger

	mu      sync.Mutex
	control *net.UnixListener
	once    sync.Once
	handoff chan struct{}
}

// NewCoordinator builds a coordinator around the configured control socket.
func NewCoordinator(cfg params.ServerConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		logger:  logger.Named("upgrade"),
		handoff: make(chan struct{}),
	}
}

// Acquire produces the listener set. With inherit set it first asks a
// running instance to hand its sockets over; when no instance answers, it
// falls back to binding fresh so a cold start with -upgrade still works.
func (c *Coordinator) Acquire(specs []ListenSpec, inherit bool) (*ListenerSet, error) {
	if inherit {
		set, oldPID, err := c.inherit(specs)
		if err == nil {
			c.logger.Info("inherited listeners",
				zap.Int("oldPid", oldPID), zap.Strings("names", set.Names()))
			return set, nil
		}
		c.logger.Warn("no running instance answered, binding fresh", zap.Error(err))
	}
	return NewListenerSet(specs)
}

// inherit performs the successor half of the handoff.
func (c *Coordinator) inherit(specs []ListenSpec) (*ListenerSet, int, error) {
	var conn *net.UnixConn
	dial := func() error {
		raddr, err := net.ResolveUnixAddr("unix", c.cfg.UpgradeSock)
		if err != nil {
			return backoff.Permanent(err)
		}
		conn, err = net.DialUnix("unix", nil, raddr)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = inheritDialWindow
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, 0, fmt.Errorf("dial control socket %s: %w", c.cfg.UpgradeSock, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(handoffIOTimeout))
	if _, err := fmt.Fprintln(conn, msgRequestSockets); err != nil {
		return nil, 0, fmt.Errorf("request sockets: %w", err)
	}

	buf := make([]byte, 64<<10)
	oob := make([]byte, unix.CmsgSpace(maxHandoffFDs*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, 0, fmt.Errorf("receive sockets: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(buf[:n], &m); err != nil {
		return nil, 0, fmt.Errorf("decode handoff manifest: %w", err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, 0, fmt.Errorf("parse control message: %w", err)
	}
	var files []*os.File
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			closeFiles(files)
			return nil, 0, fmt.Errorf("parse rights: %w", err)
		}
		for _, fd := range fds {
			name := ""
			if len(files) < len(m.Names) {
				name = m.Names[len(files)]
			}
			files = append(files, os.NewFile(uintptr(fd), name))
		}
	}

	set, err := newInheritedSet(specs, m.Names, files)
	if err != nil {
		return nil, 0, err
	}

	if _, err := fmt.Fprintln(conn, msgAck); err != nil {
		set.Close()
		return nil, 0, fmt.Errorf("acknowledge handoff: %w", err)
	}
	return set, m.Pid, nil
}

// ServeControl binds the control socket and starts answering handoff
// requests for the given listener set. The returned channel closes once a
// successor has acknowledged; the caller should then drain and exit.
func (c *Coordinator) ServeControl(set *ListenerSet) (<-chan struct{}, error) {
	// A stale socket from a crashed instance blocks the bind.
	if err := os.Remove(c.cfg.UpgradeSock); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale control socket: %w", err)
	}
	laddr, err := net.ResolveUnixAddr("unix", c.cfg.UpgradeSock)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen control socket %s: %w", c.cfg.UpgradeSock, err)
	}

	c.mu.Lock()
	c.control = ln
	c.mu.Unlock()

	go func() {
		for {
			conn, err := ln.AcceptUnix()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					c.logger.Warn("control accept failed", zap.Error(err))
				}
				return
			}
			c.handleHandoff(conn, set)
		}
	}()
	return c.handoff, nil
}

// handleHandoff runs the predecessor half of the handoff on one connection.
func (c *Coordinator) handleHandoff(conn *net.UnixConn, set *ListenerSet) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(handoffIOTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != msgRequestSockets {
		c.logger.Warn("unexpected control request", zap.Error(err))
		return
	}
	c.announce(StateRequested, nil)

	files, err := set.Files()
	if err != nil {
		c.announce(StateFailed, err)
		return
	}
	defer closeFiles(files)

	if len(files) > maxHandoffFDs {
		c.announce(StateFailed, fmt.Errorf("too many listeners: %d", len(files)))
		return
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}

	data, err := json.Marshal(manifest{Version: 1, Pid: os.Getpid(), Names: set.Names()})
	if err != nil {
		c.announce(StateFailed, err)
		return
	}
	if _, _, err := conn.WriteMsgUnix(data, unix.UnixRights(fds...), nil); err != nil {
		c.announce(StateFailed, fmt.Errorf("send sockets: %w", err))
		return
	}
	c.announce(StateSocketsSent, nil)

	line, err = reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != msgAck {
		// The successor died before taking over; keep serving.
		c.announce(StateFailed, fmt.Errorf("no ack from successor: %v", err))
		return
	}
	c.announce(StateAcknowledged, nil)

	c.once.Do(func() { close(c.handoff) })
}

// AnnounceDrained reports that in-flight requests finished after handoff.
func (c *Coordinator) AnnounceDrained() {
	c.announce(StateDrained, nil)
}

// AnnounceComplete reports that the old instance is exiting.
func (c *Coordinator) AnnounceComplete() {
	c.announce(StateComplete, nil)
}

func (c *Coordinator) announce(state string, err error) {
	ev := signal.UpgradeStateEvent{State: state, OldPID: os.Getpid()}
	if err != nil {
		ev.Error = err.Error()
		c.logger.Warn("upgrade transition", zap.String("state", state), zap.Error(err))
	} else {
		c.logger.Info("upgrade transition", zap.String("state", state))
	}
	metrics.IncUpgradeTransition(state)
	signal.SendUpgradeStateChanged(ev)
}

// Close stops answering handoff requests and removes the control socket.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.control != nil {
		_ = c.control.Close()
		c.control = nil
		_ = os.Remove(c.cfg.UpgradeSock)
	}
}
