package store

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
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/utils"
)

// ValkeyStore implements Store backed by a Valkey/Redis-compatible server,
// for deployments where pipeline state should survive process restarts.
type ValkeyStore struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// NewValkeyStore creates a Store using the supplied configuration. It pings
// the target to fail fast when credentials or connectivity are incorrect.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}

	normaliseDurations(&cfg)
	s := &ValkeyStore{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := s.ping(ctx); err != nil {
		return nil, utils.NewAppError("store.NewValkeyStore", "ping "+cfg.Addr, err)
	}

	return s, nil
}

// Get fetches bytes by key, returning ErrNotFound when the key is absent.
func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("GET", []byte(key)); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		switch reply.typ {
		case replyNil:
			return ErrNotFound
		case replyBulkString:
			payload = reply.data
			return nil
		default:
			return fmt.Errorf("unexpected valkey reply type %q for GET", reply.typ)
		}
	})
	return payload, err
}

// Set stores bytes with the provided TTL.
func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.withConn(ctx, func(vc *valkeyConn) error {
		args := [][]byte{[]byte(key), value}
		if ttl > 0 {
			args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
		}
		if err := vc.writeCommand("SET", args...); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || string(reply.data) != "OK" {
			return fmt.Errorf("unexpected SET response: %s", reply.data)
		}
		return nil
	})
}

// SetNX stores the value only if the key does not exist.
func (s *ValkeyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withConn(ctx, func(vc *valkeyConn) error {
		args := [][]byte{[]byte(key), value}
		if ttl > 0 {
			args = append(args, []byte("PX"), []byte(strconv.FormatInt(ttl.Milliseconds(), 10)))
		}
		args = append(args, []byte("NX"))
		if err := vc.writeCommand("SET", args...); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		switch reply.typ {
		case replySimpleString:
			ok = true
			return nil
		case replyNil:
			ok = false
			return nil
		default:
			return fmt.Errorf("unexpected SETNX response type: %s", reply.typ)
		}
	})
	return ok, err
}

// Del removes a key.
func (s *ValkeyStore) Del(ctx context.Context, key string) error {
	return s.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("DEL", []byte(key)); err != nil {
			return err
		}
		_, err := vc.readReply()
		return err
	})
}

// PushRecent prepends value to the list at key, trims it to max entries, and
// refreshes the list TTL. The three commands are pipelined on one connection.
func (s *ValkeyStore) PushRecent(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error {
	return s.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("LPUSH", []byte(key), value); err != nil {
			return err
		}
		if max > 0 {
			if err := vc.writeCommand("LTRIM", []byte(key), []byte("0"), []byte(strconv.Itoa(max-1))); err != nil {
				return err
			}
		}
		if ttl > 0 {
			if err := vc.writeCommand("PEXPIRE", []byte(key), []byte(strconv.FormatInt(ttl.Milliseconds(), 10))); err != nil {
				return err
			}
		}
		expected := 1
		if max > 0 {
			expected++
		}
		if ttl > 0 {
			expected++
		}
		for i := 0; i < expected; i++ {
			if _, err := vc.readReply(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit newest-first entries from the list at key.
func (s *ValkeyStore) Recent(ctx context.Context, key string, limit int) ([][]byte, error) {
	end := "-1"
	if limit > 0 {
		end = strconv.Itoa(limit - 1)
	}
	var out [][]byte
	err := s.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("LRANGE", []byte(key), []byte("0"), []byte(end)); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replyArray {
			return fmt.Errorf("unexpected valkey reply type %q for LRANGE", reply.typ)
		}
		out = reply.items
		return nil
	})
	return out, err
}

// AddTimed inserts member into the sorted set at key, scored by at. When a
// retention is given the aged-out score range is removed and the key's TTL
// refreshed, so idle sets disappear on their own.
func (s *ValkeyStore) AddTimed(ctx context.Context, key string, member []byte, at time.Time, retention time.Duration) error {
	score := strconv.FormatFloat(float64(at.UnixMilli()), 'f', -1, 64)
	return s.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("ZADD", []byte(key), []byte(score), member); err != nil {
			return err
		}
		if _, err := vc.readReply(); err != nil {
			return err
		}
		if retention <= 0 {
			return nil
		}
		cutoff := strconv.FormatInt(time.Now().Add(-retention).UnixMilli(), 10)
		if err := vc.writeCommand("ZREMRANGEBYSCORE", []byte(key), []byte("-inf"), []byte(cutoff)); err != nil {
			return err
		}
		if _, err := vc.readReply(); err != nil {
			return err
		}
		if err := vc.writeCommand("PEXPIRE", []byte(key), []byte(strconv.FormatInt(retention.Milliseconds(), 10))); err != nil {
			return err
		}
		_, err := vc.readReply()
		return err
	})
}

// TimedRange returns members scored within [from, to], oldest first.
func (s *ValkeyStore) TimedRange(ctx context.Context, key string, from, to time.Time) ([][]byte, error) {
	min := strconv.FormatInt(from.UnixMilli(), 10)
	max := strconv.FormatInt(to.UnixMilli(), 10)
	var out [][]byte
	err := s.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("ZRANGEBYSCORE", []byte(key), []byte(min), []byte(max)); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replyArray {
			return fmt.Errorf("unexpected valkey reply type %q for ZRANGEBYSCORE", reply.typ)
		}
		out = reply.items
		return nil
	})
	return out, err
}

// Close closes the store (no-op for the stateless per-call connection model).
func (s *ValkeyStore) Close() error { return nil }

func (s *ValkeyStore) ping(ctx context.Context) error {
	return s.withConn(ctx, func(vc *valkeyConn) error {
		if err := vc.writeCommand("PING"); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || string(reply.data) != "PONG" {
			return fmt.Errorf("unexpected PING response: %s", reply.data)
		}
		return nil
	})
}

func (s *ValkeyStore) withConn(ctx context.Context, fn func(*valkeyConn) error) error {
	var lastErr error
	retries := s.cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vc, err := s.dial(ctx)
		if err != nil {
			lastErr = err
			if shouldRetry(err) && attempt < retries-1 {
				time.Sleep(backoff(attempt))
				continue
			}
			return err
		}

		err = s.bootstrap(vc)
		if err != nil {
			vc.close()
			lastErr = err
			if shouldRetry(err) && attempt < retries-1 {
				time.Sleep(backoff(attempt))
				continue
			}
			return err
		}

		err = fn(vc)
		vc.close()
		if err == nil {
			return nil
		}
		lastErr = err
		if shouldRetry(err) && attempt < retries-1 {
			time.Sleep(backoff(attempt))
			continue
		}
		return err
	}
	return lastErr
}

func (s *ValkeyStore) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := net.Dialer{Timeout: deadlineOr(ctx, s.cfg.DialTimeout)}
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.TLS {
		host := hostForTLS(s.cfg.Addr)
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		conn, err = tls.DialWithDialer(&dialer, "tcp", s.cfg.Addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &valkeyConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cfg:    s.cfg,
	}, nil
}

func (s *ValkeyStore) bootstrap(vc *valkeyConn) error {
	if s.cfg.Password != "" {
		cmd := []string{"AUTH"}
		if s.cfg.Username != "" {
			cmd = append(cmd, s.cfg.Username, s.cfg.Password)
		} else {
			cmd = append(cmd, s.cfg.Password)
		}
		if err := vc.writeStrings(cmd...); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("auth failed: %s", reply.data)
		}
	}
	if s.cfg.DB > 0 {
		if err := vc.writeCommand("SELECT", []byte(strconv.Itoa(s.cfg.DB))); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("select failed: %s", reply.data)
		}
	}
	return nil
}

// replyType enumerates the subset of RESP types the store needs.
type replyType string

const (
	replySimpleString replyType = "+"
	replyBulkString   replyType = "$"
	replyInteger      replyType = ":"
	replyNil          replyType = "_"
	replyArray        replyType = "*"
)

type respReply struct {
	typ   replyType
	data  []byte
	items [][]byte
}

// valkeyConn wraps a network connection with RESP helpers.
type valkeyConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    ValkeyConfig
}

func (vc *valkeyConn) close() {
	_ = vc.conn.Close()
}

func (vc *valkeyConn) writeCommand(command string, args ...[]byte) error {
	parts := make([][]byte, 0, len(args)+1)
	parts = append(parts, []byte(command))
	parts = append(parts, args...)
	return vc.write(parts...)
}

func (vc *valkeyConn) writeStrings(parts ...string) error {
	chunks := make([][]byte, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, []byte(p))
	}
	return vc.write(chunks...)
}

func (vc *valkeyConn) write(parts ...[]byte) error {
	if err := vc.conn.SetWriteDeadline(time.Now().Add(vc.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := vc.writer.WriteString(fmt.Sprintf("*%d\r\n", len(parts))); err != nil {
		return err
	}
	for _, part := range parts {
		if _, err := vc.writer.WriteString(fmt.Sprintf("$%d\r\n", len(part))); err != nil {
			return err
		}
		if _, err := vc.writer.Write(part); err != nil {
			return err
		}
		if _, err := vc.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return vc.writer.Flush()
}

func (vc *valkeyConn) readReply() (respReply, error) {
	if err := vc.conn.SetReadDeadline(time.Now().Add(vc.cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	return vc.readReplyLocked()
}

func (vc *valkeyConn) readReplyLocked() (respReply, error) {
	prefix, err := vc.reader.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	switch prefix {
	case '+':
		line, err := vc.readLine()
		return respReply{typ: replySimpleString, data: line}, err
	case '-':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		return respReply{}, errors.New(string(line))
	case ':':
		line, err := vc.readLine()
		return respReply{typ: replyInteger, data: line}, err
	case '$':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, err
		}
		if size == -1 {
			return respReply{typ: replyNil}, nil
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(vc.reader, buf); err != nil {
			return respReply{}, err
		}
		if err := vc.expectCRLF(); err != nil {
			return respReply{}, err
		}
		return respReply{typ: replyBulkString, data: buf}, nil
	case '*':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		count, err := strconv.Atoi(string(line))
		if err != nil {
			return respReply{}, err
		}
		if count == -1 {
			return respReply{typ: replyNil}, nil
		}
		items := make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			item, err := vc.readReplyLocked()
			if err != nil {
				return respReply{}, err
			}
			items = append(items, item.data)
		}
		return respReply{typ: replyArray, items: items}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (vc *valkeyConn) readLine() ([]byte, error) {
	line, err := vc.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return []byte(line), nil
}

func (vc *valkeyConn) expectCRLF() error {
	b1, err := vc.reader.ReadByte()
	if err != nil {
		return err
	}
	b2, err := vc.reader.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("invalid line termination")
	}
	return nil
}

func normaliseDurations(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
}

func deadlineOr(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if d == 0 || remaining < d {
			return remaining
		}
	}
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func backoff(attempt int) time.Duration {
	base := 25 * time.Millisecond
	return time.Duration(1<<attempt) * base
}

func shouldRetry(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

func hostForTLS(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
