// Package redisstub runs an in-process RESP server that understands the
// subset of Redis used by the chapter cache and rate limiter.
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
	kv       map[string]*kvEntry
	failing  map[string]string
	commands map[string]int
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		kv:       make(map[string]*kvEntry),
		failing:  make(map[string]string),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
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
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
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

// URL returns a redis:// (or rediss://) URL for the server.
func (s *Server) URL() string {
	scheme := "redis"
	if s.opts.EnableTLS {
		scheme = "rediss"
	}
	if s.opts.Password != "" {
		return fmt.Sprintf("%s://:%s@%s/0", scheme, s.opts.Password, s.addr)
	}
	return fmt.Sprintf("%s://%s/0", scheme, s.addr)
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Get returns the stored value for key, honouring expiry.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

// Keys lists live keys in lexical order.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchKeys("*")
}

// TTL reports the remaining lifetime of key; zero means no expiry.
func (s *Server) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return 0, false
	}
	if entry.expiry.IsZero() {
		return 0, true
	}
	return time.Until(entry.expiry), true
}

// FailCommand makes every subsequent invocation of cmd reply with msg as a
// Redis error. An empty msg clears the failure.
func (s *Server) FailCommand(cmd, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd = strings.ToUpper(cmd)
	if msg == "" {
		delete(s.failing, cmd)
		return
	}
	s.failing[cmd] = msg
}

// CommandCount reports how many times cmd has been dispatched.
func (s *Server) CommandCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
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
	go func() {
		<-s.closed
		_ = conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		var werr error
		switch cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			var ok bool
			ok, werr = s.handleAuth(writer, args)
			authenticated = authenticated || ok
		case "HELLO":
			// RESP3 negotiation is not supported; clients fall back to RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) handleAuth(writer *bufio.Writer, args []string) (bool, error) {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return false, writeError(writer, "ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password != "" && password != s.opts.Password {
		return false, writeError(writer, "WRONGPASS invalid username-password pair")
	}
	return true, writeSimpleString(writer, "OK")
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	s.mu.Lock()
	s.commands[cmd]++
	failure := s.failing[cmd]
	s.mu.Unlock()
	if failure != "" {
		return writeError(writer, failure)
	}

	switch cmd {
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.Get(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "SET":
		return s.handleSet(writer, args)
	case "SETEX":
		if len(args) != 4 {
			return writeError(writer, "ERR wrong number of arguments for 'setex'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || seconds <= 0 {
			return writeError(writer, "ERR invalid expire time in 'setex' command")
		}
		s.set(args[1], args[3], time.Duration(seconds)*time.Second)
		return writeSimpleString(writer, "OK")
	case "DEL", "UNLINK":
		if len(args) < 2 {
			return writeError(writer, fmt.Sprintf("ERR wrong number of arguments for '%s'", strings.ToLower(cmd)))
		}
		return writeInteger(writer, s.del(args[1:]))
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(writer, err.Error())
		}
		return writeInteger(writer, value)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		return writeInteger(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(writer, s.ttl(args[1]))
	case "KEYS":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'keys'")
		}
		s.mu.Lock()
		keys := s.matchKeys(args[1])
		s.mu.Unlock()
		return writeArray(writer, stringsToValues(keys))
	case "SCAN":
		return s.handleScan(writer, args)
	case "DBSIZE":
		s.mu.Lock()
		size := len(s.matchKeys("*"))
		s.mu.Unlock()
		return writeInteger(writer, int64(size))
	case "FLUSHDB", "FLUSHALL":
		s.mu.Lock()
		s.kv = make(map[string]*kvEntry)
		s.mu.Unlock()
		return writeSimpleString(writer, "OK")
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	var ttl time.Duration
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || amount <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command")
			}
			if strings.EqualFold(args[i], "EX") {
				ttl = time.Duration(amount) * time.Second
			} else {
				ttl = time.Duration(amount) * time.Millisecond
			}
			i++
		default:
			return writeError(writer, "ERR syntax error")
		}
	}
	s.set(args[1], args[2], ttl)
	return writeSimpleString(writer, "OK")
}

// handleScan walks the sorted key space. The cursor is the offset of the next
// key to return.
func (s *Server) handleScan(writer *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(writer, "ERR wrong number of arguments for 'scan'")
	}
	cursor, err := strconv.Atoi(args[1])
	if err != nil || cursor < 0 {
		return writeError(writer, "ERR invalid cursor")
	}
	pattern := "*"
	count := 10
	for i := 2; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			pattern = args[i+1]
		case "COUNT":
			count, err = strconv.Atoi(args[i+1])
			if err != nil || count <= 0 {
				return writeError(writer, "ERR syntax error")
			}
		}
	}

	s.mu.Lock()
	all := s.matchKeys("*")
	s.mu.Unlock()

	end := cursor + count
	if end > len(all) {
		end = len(all)
	}
	var batch []string
	if cursor < len(all) {
		for _, key := range all[cursor:end] {
			if matchGlob(pattern, key) {
				batch = append(batch, key)
			}
		}
	}
	next := end
	if next >= len(all) {
		next = 0
	}
	return writeArray(writer, []interface{}{strconv.Itoa(next), stringsToValues(batch)})
}

// lookup must be called with s.mu held.
func (s *Server) lookup(key string) *kvEntry {
	entry := s.kv[key]
	if entry == nil {
		return nil
	}
	if entry.expired(time.Now()) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

// matchKeys must be called with s.mu held.
func (s *Server) matchKeys(pattern string) []string {
	keys := make([]string, 0, len(s.kv))
	for key := range s.kv {
		if s.lookup(key) == nil {
			continue
		}
		if matchGlob(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if s.lookup(key) != nil {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		entry = &kvEntry{value: "0"}
		s.kv[key] = entry
	}
	value, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ERR value is not an integer or out of range")
	}
	value++
	entry.value = strconv.FormatInt(value, 10)
	return value, nil
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return 0
	}
	if ttl <= 0 {
		delete(s.kv, key)
		return 1
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	return int64((remaining + time.Second - 1) / time.Second)
}

// matchGlob implements the Redis glob dialect for '*', '?' and backslash
// escapes. Unlike path.Match, '*' also spans '/'.
func matchGlob(pattern, value string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(value); i++ {
				if matchGlob(pattern, value[i:]) {
					return true
				}
			}
			return false
		case '?':
			if value == "" {
				return false
			}
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if value == "" || value[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		value = value[1:]
	}
	return value == ""
}

func stringsToValues(values []string) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
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
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
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
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
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

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if err := writeBulkStringRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if err := writeBulkStringRaw(w, v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			if err := writeBulkStringRaw(w, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
