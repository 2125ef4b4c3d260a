// Package daemon provides a background process that flushes the mutation
// queue on an interval, so queued offline work drains without a foreground
// command running. The CLI talks to it over a unix-socket JSON IPC.
package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"offsync/syncer"
)

// Config holds daemon configuration.
type Config struct {
	PIDPath     string        // Path to PID file
	SocketPath  string        // Path to Unix socket
	LogPath     string        // Path to log file
	Interval    time.Duration // Flush interval
	IdleTimeout time.Duration // Timeout before daemon exits when idle
	ConfigPath  string        // Path to app config file
	Executable  string        // Optional: explicit path to executable (for testing)
}

// Message represents an IPC message between CLI and daemon.
type Message struct {
	Type string `json:"type"` // "notify", "status", "stop"
	Data string `json:"data,omitempty"`
}

// Response represents a daemon response to CLI.
type Response struct {
	Status     string `json:"status"` // "ok", "error"
	Message    string `json:"message,omitempty"`
	Running    bool   `json:"running"`
	FlushCount int    `json:"flush_count,omitempty"`
	LastFlush  string `json:"last_flush,omitempty"`
	Pending    int    `json:"pending,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	Circuit    string `json:"circuit,omitempty"`
}

// FlushFunc runs one flush cycle and reports its outcome.
type FlushFunc func() syncer.Result

// StatsFunc reports current queue counts.
type StatsFunc func() (syncer.Stats, error)

// Daemon represents a running daemon process.
type Daemon struct {
	cfg        *Config
	flushFunc  FlushFunc
	statsFunc  StatsFunc
	breaker    *CircuitBreaker
	flushCount int
	lastFlush  time.Time
	mu         sync.RWMutex
	flushMu    sync.Mutex // Serializes flush calls from ticker and IPC notify
	stopChan   chan struct{}
	listener   net.Listener
}

// New creates a new Daemon instance.
func New(cfg *Config) *Daemon {
	return &Daemon{
		cfg:      cfg,
		breaker:  NewCircuitBreaker(DefaultCircuitBreakerThreshold, DefaultCircuitBreakerCooldown),
		stopChan: make(chan struct{}),
	}
}

// SetFlushFunc sets the function called for each flush cycle.
func (d *Daemon) SetFlushFunc(f FlushFunc) {
	d.flushFunc = f
}

// SetStatsFunc sets the function used to answer status queries.
func (d *Daemon) SetStatsFunc(f StatsFunc) {
	d.statsFunc = f
}

// Start starts the daemon process. This should be called in the forked process.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.PIDPath), 0700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(d.cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	// Remove existing socket file if present
	_ = os.Remove(d.cfg.SocketPath)

	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}
	d.listener = listener

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	if err := os.MkdirAll(filepath.Dir(d.cfg.LogPath), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	interval := d.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	d.log("Daemon started (PID: %d, interval: %v)", os.Getpid(), interval)

	go d.handleConnections()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var idleTimer *time.Timer
	if d.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(d.cfg.IdleTimeout)
	}

	for {
		select {
		case <-sigChan:
			d.log("Received shutdown signal")
			d.cleanup()
			return nil

		case <-d.stopChan:
			d.log("Stop requested via IPC")
			d.cleanup()
			return nil

		case <-ticker.C:
			worked := d.scheduledFlush()
			// Only actual work resets the idle timer; an empty queue lets
			// the daemon wind down.
			if worked && idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(d.cfg.IdleTimeout)
			}

		case <-func() <-chan time.Time {
			if idleTimer != nil {
				return idleTimer.C
			}
			return make(chan time.Time) // Never fires
		}():
			d.log("Idle timeout reached, shutting down")
			d.cleanup()
			return nil
		}
	}
}

// Stop signals the daemon to stop.
func (d *Daemon) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
}

// scheduledFlush runs one ticker-driven flush, gated by the circuit breaker.
// The breaker only throttles this scheduled path; explicit notify requests
// and the queue's own state machine are never blocked by it. Returns whether
// any mutation was processed.
func (d *Daemon) scheduledFlush() bool {
	if !d.breaker.Allow() {
		d.log("Scheduled flush skipped (circuit %s)", d.breaker.State())
		return false
	}

	res := d.performFlush()

	if res.Failed > 0 && res.Success == 0 {
		d.breaker.RecordFailure()
	} else {
		d.breaker.RecordSuccess()
	}
	return res.Success > 0 || res.Failed > 0
}

// performFlush runs the flush function once, serialized across triggers.
func (d *Daemon) performFlush() syncer.Result {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	d.flushCount++
	count := d.flushCount
	d.mu.Unlock()

	d.log("Starting flush (count: %d)", count)

	var res syncer.Result
	if d.flushFunc != nil {
		res = d.flushFunc()
	}
	if len(res.Errors) > 0 {
		d.log("Flush errors (count: %d): %s", count, strings.Join(res.Errors, "; "))
	} else {
		d.log("Flush completed (count: %d, success: %d)", count, res.Success)
	}

	d.mu.Lock()
	d.lastFlush = time.Now()
	d.mu.Unlock()

	return res
}

func (d *Daemon) handleConnections() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopChan:
				return
			case <-time.After(1 * time.Millisecond):
				select {
				case <-d.stopChan:
					return
				default:
					d.log("Accept error: %v", err)
				}
			}
			continue
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var msg Message
	if err := decoder.Decode(&msg); err != nil {
		return
	}

	var resp Response
	switch msg.Type {
	case "notify":
		// Explicit request: flush now, bypassing the circuit breaker.
		go d.performFlush()
		resp = Response{Status: "ok", Running: true}

	case "status":
		d.mu.RLock()
		resp = Response{
			Status:     "ok",
			Running:    true,
			FlushCount: d.flushCount,
			Circuit:    d.breaker.State().String(),
		}
		if !d.lastFlush.IsZero() {
			resp.LastFlush = d.lastFlush.Format(time.RFC3339)
		}
		d.mu.RUnlock()

		if d.statsFunc != nil {
			if stats, err := d.statsFunc(); err == nil {
				resp.Pending = stats.Pending
				resp.Failed = stats.Failed
			}
		}

	case "stop":
		resp = Response{Status: "ok", Running: false}
		_ = encoder.Encode(resp)
		d.Stop()
		return

	default:
		resp = Response{Status: "error", Message: "unknown message type"}
	}

	_ = encoder.Encode(resp)
}

func (d *Daemon) cleanup() {
	d.Stop()

	if d.listener != nil {
		_ = d.listener.Close()
	}

	d.log("Daemon stopped")

	// Give handleConnections a moment to exit after listener.Close so the
	// log file is not recreated after removal.
	time.Sleep(10 * time.Millisecond)

	_ = os.Remove(d.cfg.PIDPath)
	_ = os.Remove(d.cfg.SocketPath)
	_ = os.Remove(d.cfg.LogPath)
}

func (d *Daemon) log(format string, args ...interface{}) {
	entry := fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
	f, err := os.OpenFile(d.cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.WriteString(entry)
}

// Client provides methods to communicate with a running daemon.
type Client struct {
	socketPath string
}

// NewClient creates a new daemon client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Notify asks the daemon to run a flush cycle now.
func (c *Client) Notify() error {
	return c.send(Message{Type: "notify"})
}

// Status gets the daemon status.
func (c *Client) Status() (*Response, error) {
	return c.sendAndReceive(Message{Type: "status"})
}

// Stop requests the daemon to stop and waits for confirmation.
func (c *Client) Stop() error {
	_, err := c.sendAndReceive(Message{Type: "stop"})
	return err
}

func (c *Client) send(msg Message) error {
	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return json.NewEncoder(conn).Encode(msg)
}

func (c *Client) sendAndReceive(msg Message) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fork spawns a new daemon process detached from the current terminal.
func Fork(cfg *Config) error {
	executable := cfg.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	args := []string{
		"daemon", "run",
		"--pid-path", cfg.PIDPath,
		"--socket-path", cfg.SocketPath,
		"--log-path", cfg.LogPath,
		"--interval", strconv.FormatInt(int64(cfg.Interval.Seconds()), 10),
	}
	if cfg.IdleTimeout > 0 {
		args = append(args, "--idle-timeout", strconv.FormatInt(int64(cfg.IdleTimeout.Seconds()), 10))
	}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}

	cmd := exec.Command(executable, args...)

	// Detach from terminal
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release daemon process: %w", err)
	}

	return nil
}

// IsRunning checks if a daemon is running by checking the PID file and socket.
func IsRunning(pidPath, socketPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds; signal 0 probes for existence.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		// Process doesn't exist, clean up stale PID file
		_ = os.Remove(pidPath)
		_ = os.Remove(socketPath)
		return false
	}

	conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
	if err != nil {
		// Socket not available, process might be hung
		return false
	}
	_ = conn.Close()

	return true
}

// ReadPID returns the PID recorded in the PID file, or 0.
func ReadPID(pidPath string) int {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// GetSocketPath returns the default socket path.
func GetSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "offsync", "daemon.sock")
	}
	return fmt.Sprintf("/tmp/offsync-daemon-%d.sock", os.Getuid())
}

// GetPIDPath returns the default PID file path.
func GetPIDPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "offsync", "daemon.pid")
	}
	return fmt.Sprintf("/tmp/offsync-daemon-%d.pid", os.Getuid())
}
