package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible
// server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          bool
}

func (cfg *ValkeyConfig) setDefaults() {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
}

// ValkeyProvider implements Provider over a single persistent RESP connection.
// The connection is guarded by a mutex and re-dialed transparently after a
// network error; cache traffic here is low-volume retrieval results, so one
// connection is plenty.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewValkeyProvider connects and pings the target so misconfiguration fails
// at startup, not on first use.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.setDefaults()

	p := &ValkeyProvider{cfg: cfg}
	reply, err := p.do(context.Background(), "PING")
	if err != nil {
		return nil, err
	}
	if !reply.equalsSimple("PONG") {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if reply.missing {
		return nil, ErrCacheMiss
	}
	return reply.data, nil
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, args...)
	if err != nil {
		return err
	}
	if !reply.equalsSimple("OK") {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist and reports whether
// the write happened.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	args = append(args, "NX")
	reply, err := p.do(ctx, args...)
	if err != nil {
		return false, err
	}
	return !reply.missing, nil
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close tears down the persistent connection.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// do runs one command under the connection lock. A network failure drops the
// connection and retries once on a fresh dial; server-side errors (RESP "-")
// are returned as-is without retry.
func (p *ValkeyProvider) do(ctx context.Context, args ...string) (respReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return respReply{}, err
		}
		if err := p.ensureConn(ctx); err != nil {
			return respReply{}, err
		}

		reply, err := p.roundTrip(args)
		if err == nil {
			return reply, nil
		}

		var respErr *serverError
		if errors.As(err, &respErr) {
			return respReply{}, err
		}

		p.dropConn()
		if attempt >= 1 {
			return respReply{}, err
		}
	}
}

func (p *ValkeyProvider) roundTrip(args []string) (respReply, error) {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return respReply{}, err
	}
	if err := writeCommand(p.writer, args); err != nil {
		return respReply{}, err
	}
	if err := p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	return readReply(p.reader)
}

func (p *ValkeyProvider) ensureConn(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr,
			&tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return err
	}

	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.writer = bufio.NewWriter(conn)

	if err := p.handshake(); err != nil {
		p.dropConn()
		return err
	}
	return nil
}

// handshake runs AUTH and SELECT on a fresh connection when configured.
func (p *ValkeyProvider) handshake() error {
	if p.cfg.Password != "" {
		args := []string{"AUTH"}
		if p.cfg.Username != "" {
			args = append(args, p.cfg.Username)
		}
		args = append(args, p.cfg.Password)
		reply, err := p.roundTrip(args)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if !reply.equalsSimple("OK") {
			return fmt.Errorf("auth rejected: %s", reply.data)
		}
	}
	if p.cfg.DB > 0 {
		reply, err := p.roundTrip([]string{"SELECT", strconv.Itoa(p.cfg.DB)})
		if err != nil {
			return fmt.Errorf("select db: %w", err)
		}
		if !reply.equalsSimple("OK") {
			return fmt.Errorf("select db rejected: %s", reply.data)
		}
	}
	return nil
}

func (p *ValkeyProvider) dropConn() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.reader = nil
	p.writer = nil
}

// serverError is an error reply from the server itself, as opposed to a
// transport failure.
type serverError struct{ msg string }

func (e *serverError) Error() string { return e.msg }

type respReply struct {
	simple  bool
	missing bool
	data    []byte
}

func (r respReply) equalsSimple(want string) bool {
	return r.simple && strings.EqualFold(string(r.data), want)
}

func writeCommand(w *bufio.Writer, args []string) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readReply(r *bufio.Reader) (respReply, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	line, err := readLine(r)
	if err != nil {
		return respReply{}, err
	}

	switch prefix {
	case '+':
		return respReply{simple: true, data: line}, nil
	case '-':
		return respReply{}, &serverError{msg: string(line)}
	case ':':
		return respReply{data: line}, nil
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, fmt.Errorf("bad bulk length %q", line)
		}
		if size < 0 {
			return respReply{missing: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return respReply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respReply{}, errors.New("bulk string not CRLF terminated")
		}
		return respReply{data: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return []byte(line), nil
}
