// Package redisstub runs a small in-process RESP server that understands the
// string, list, key-scan and transaction commands used by the shared store.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*entry
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type entry struct {
	value  []byte
	list   []string
	isList bool
	expiry time.Time
}

type simpleString string

type errorReply string

type nilBulk struct{}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:   opts,
		kv:     make(map[string]*entry),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Advance shifts every expiry backwards by d, simulating the passage of time.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.kv {
		if !e.expiry.IsZero() {
			e.expiry = e.expiry.Add(-d)
		}
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	var queued [][]string
	inMulti := false
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeReply(writer, errorReply("ERR wrong number of arguments")) != nil {
				return
			}
			continue
		}
		var reply any
		switch cmd := strings.ToUpper(args[0]); {
		case cmd == "AUTH":
			reply = s.auth(args, &authenticated)
		case cmd == "HELLO":
			reply = errorReply("ERR unknown command 'HELLO'")
		case cmd == "PING":
			reply = simpleString("PONG")
		case cmd == "SELECT", cmd == "CLIENT":
			reply = simpleString("OK")
		case !authenticated:
			reply = errorReply("NOAUTH Authentication required.")
		case cmd == "MULTI":
			inMulti = true
			queued = nil
			reply = simpleString("OK")
		case cmd == "DISCARD":
			inMulti = false
			queued = nil
			reply = simpleString("OK")
		case cmd == "EXEC":
			if !inMulti {
				reply = errorReply("ERR EXEC without MULTI")
				break
			}
			s.mu.Lock()
			results := make([]any, 0, len(queued))
			for _, q := range queued {
				results = append(results, s.dispatchLocked(q))
			}
			s.mu.Unlock()
			inMulti = false
			queued = nil
			reply = results
		case inMulti:
			queued = append(queued, args)
			reply = simpleString("QUEUED")
		default:
			s.mu.Lock()
			reply = s.dispatchLocked(args)
			s.mu.Unlock()
		}
		if err := writeReply(writer, reply); err != nil {
			return
		}
	}
}

func (s *Server) auth(args []string, authenticated *bool) any {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return errorReply("ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password == "" || password == s.opts.Password {
		*authenticated = true
		return simpleString("OK")
	}
	return errorReply("WRONGPASS invalid username-password pair")
}

func (s *Server) liveLocked(key string) (*entry, bool) {
	e, ok := s.kv[key]
	if !ok {
		return nil, false
	}
	if !e.expiry.IsZero() && !time.Now().Before(e.expiry) {
		delete(s.kv, key)
		return nil, false
	}
	return e, true
}

func (s *Server) dispatchLocked(args []string) any {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "SET":
		return s.set(args)
	case "SETNX":
		if len(args) != 3 {
			return errorReply("ERR wrong number of arguments for 'setnx'")
		}
		if _, ok := s.liveLocked(args[1]); ok {
			return int64(0)
		}
		s.kv[args[1]] = &entry{value: []byte(args[2])}
		return int64(1)
	case "GET":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'get'")
		}
		e, ok := s.liveLocked(args[1])
		if !ok {
			return nilBulk{}
		}
		if e.isList {
			return errorReply("WRONGTYPE Operation against a key holding the wrong kind of value")
		}
		return e.value
	case "STRLEN":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'strlen'")
		}
		e, ok := s.liveLocked(args[1])
		if !ok || e.isList {
			return int64(0)
		}
		return int64(len(e.value))
	case "DEL":
		var n int64
		for _, key := range args[1:] {
			if _, ok := s.liveLocked(key); ok {
				delete(s.kv, key)
				n++
			}
		}
		return n
	case "EXISTS":
		var n int64
		for _, key := range args[1:] {
			if _, ok := s.liveLocked(key); ok {
				n++
			}
		}
		return n
	case "EXPIRE", "PEXPIRE":
		if len(args) < 3 {
			return errorReply("ERR wrong number of arguments for 'expire'")
		}
		ttl, err := parseTTL(cmd == "PEXPIRE", args[2])
		if err != nil {
			return errorReply("ERR invalid expire time")
		}
		e, ok := s.liveLocked(args[1])
		if !ok {
			return int64(0)
		}
		e.expiry = time.Now().Add(ttl)
		return int64(1)
	case "TTL":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'ttl'")
		}
		e, ok := s.liveLocked(args[1])
		if !ok {
			return int64(-2)
		}
		if e.expiry.IsZero() {
			return int64(-1)
		}
		return int64(time.Until(e.expiry) / time.Second)
	case "RPUSH":
		if len(args) < 3 {
			return errorReply("ERR wrong number of arguments for 'rpush'")
		}
		e, ok := s.liveLocked(args[1])
		if !ok {
			e = &entry{isList: true}
			s.kv[args[1]] = e
		}
		if !e.isList {
			return errorReply("WRONGTYPE Operation against a key holding the wrong kind of value")
		}
		e.list = append(e.list, args[2:]...)
		return int64(len(e.list))
	case "LTRIM":
		if len(args) != 4 {
			return errorReply("ERR wrong number of arguments for 'ltrim'")
		}
		e, ok := s.liveLocked(args[1])
		if !ok {
			return simpleString("OK")
		}
		start, stop, err := parseRange(args[2], args[3], len(e.list))
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		if start > stop {
			delete(s.kv, args[1])
			return simpleString("OK")
		}
		e.list = append([]string(nil), e.list[start:stop+1]...)
		return simpleString("OK")
	case "LRANGE":
		if len(args) != 4 {
			return errorReply("ERR wrong number of arguments for 'lrange'")
		}
		e, ok := s.liveLocked(args[1])
		if !ok || !e.isList {
			return []any{}
		}
		start, stop, err := parseRange(args[2], args[3], len(e.list))
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		out := []any{}
		for i := start; i <= stop; i++ {
			out = append(out, e.list[i])
		}
		return out
	case "LREM":
		if len(args) != 4 {
			return errorReply("ERR wrong number of arguments for 'lrem'")
		}
		e, ok := s.liveLocked(args[1])
		if !ok || !e.isList {
			return int64(0)
		}
		kept := e.list[:0]
		var removed int64
		for _, item := range e.list {
			if item == args[3] {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		e.list = kept
		if len(e.list) == 0 {
			delete(s.kv, args[1])
		}
		return removed
	case "SCAN":
		return s.scan(args)
	default:
		return errorReply("ERR unsupported command")
	}
}

func (s *Server) set(args []string) any {
	if len(args) < 3 {
		return errorReply("ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var (
		nx, xx bool
		ttl    time.Duration
	)
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return errorReply("ERR syntax error")
			}
			parsed, err := parseTTL(strings.ToUpper(args[i]) == "PX", args[i+1])
			if err != nil {
				return errorReply("ERR invalid expire time in 'set' command")
			}
			ttl = parsed
			i++
		default:
			return errorReply("ERR syntax error")
		}
	}
	_, exists := s.liveLocked(key)
	if (nx && exists) || (xx && !exists) {
		return nilBulk{}
	}
	e := &entry{value: []byte(value)}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = e
	return simpleString("OK")
}

// scan returns every match in a single page; the cursor is always 0.
func (s *Server) scan(args []string) any {
	pattern := "*"
	for i := 2; i+1 < len(args); i += 2 {
		if strings.EqualFold(args[i], "MATCH") {
			pattern = args[i+1]
		}
	}
	keys := make([]string, 0, len(s.kv))
	for key := range s.kv {
		if _, ok := s.liveLocked(key); !ok {
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	items := make([]any, 0, len(keys))
	for _, key := range keys {
		items = append(items, key)
	}
	return []any{"0", items}
}

func parseTTL(millis bool, raw string) (time.Duration, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid ttl %q", raw)
	}
	if millis {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.Duration(n) * time.Second, nil
}

func parseRange(rawStart, rawStop string, length int) (int, int, error) {
	start, err := strconv.Atoi(rawStart)
	if err != nil {
		return 0, 0, err
	}
	stop, err := strconv.Atoi(rawStop)
	if err != nil {
		return 0, 0, err
	}
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	return start, stop, nil
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, reply any) error {
	if err := writeValue(w, reply); err != nil {
		return err
	}
	return w.Flush()
}

func writeValue(w *bufio.Writer, value any) error {
	var err error
	switch v := value.(type) {
	case simpleString:
		_, err = fmt.Fprintf(w, "+%s\r\n", string(v))
	case errorReply:
		_, err = fmt.Fprintf(w, "-%s\r\n", string(v))
	case nilBulk:
		_, err = w.WriteString("$-1\r\n")
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case []byte:
		if _, err = fmt.Fprintf(w, "$%d\r\n", len(v)); err == nil {
			if _, err = w.Write(v); err == nil {
				_, err = w.WriteString("\r\n")
			}
		}
	case []any:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeValue(w, item); err != nil {
				return err
			}
		}
	default:
		_, err = fmt.Fprintf(w, "-ERR unsupported reply %T\r\n", v)
	}
	return err
}
