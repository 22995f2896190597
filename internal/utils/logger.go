package utils

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"` // "console" or "json"
	RemotePort int    `yaml:"remote_port" env:"REMOTE_PORT"`
}

// NewLogger builds the process logger. When cfg.RemotePort is set, log lines
// are also streamed to every client connected to that TCP port.
func NewLogger(cfg LogConfig) (zerolog.Logger, *RemoteLogger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, ErrInvalidConfig.WithDetails(fmt.Sprintf("log level %q", cfg.Level))
		}
		level = lvl
	}

	var out io.Writer = os.Stderr
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	var rl *RemoteLogger
	if cfg.RemotePort > 0 {
		var err error
		rl, err = NewRemoteLogger(cfg.RemotePort)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out = zerolog.MultiLevelWriter(out, rl)
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, rl, nil
}

type RemoteLogger struct {
	Port     int
	Listener net.Listener

	mu      sync.Mutex
	clients []net.Conn
}

// NewRemoteLogger starts a TCP listener on the given port.
func NewRemoteLogger(port int) (*RemoteLogger, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("remote logger listen: %w", err)
	}
	rl := &RemoteLogger{
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Listener: ln,
	}
	go rl.acceptClients()
	return rl, nil
}

// acceptClients accepts incoming TCP connections until the listener closes.
func (rl *RemoteLogger) acceptClients() {
	for {
		conn, err := rl.Listener.Accept()
		if err != nil {
			return
		}
		rl.mu.Lock()
		rl.clients = append(rl.clients, conn)
		rl.mu.Unlock()
	}
}

// Write sends p to all connected clients, dropping the ones that fail.
func (rl *RemoteLogger) Write(p []byte) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	alive := rl.clients[:0]
	for _, conn := range rl.clients {
		if _, err := conn.Write(p); err != nil {
			_ = conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	rl.clients = alive
	return len(p), nil
}

// Clients returns the number of connected log readers.
func (rl *RemoteLogger) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RemoteLogger) Close() error {
	err := rl.Listener.Close()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, conn := range rl.clients {
		_ = conn.Close()
	}
	rl.clients = nil
	return err
}
