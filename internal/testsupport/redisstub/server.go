// Package redisstub runs a minimal in-process Redis server speaking just
// enough RESP for stream-publishing tests: PING, AUTH, XADD (with MAXLEN
// trimming) and XLEN.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string][]Entry
	closed   chan struct{}
}

// Entry is one appended stream record.
type Entry struct {
	ID     string
	Values map[string]string
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string][]Entry),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Entries returns a copy of the records appended to a stream.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, len(s.streams[stream]))
	copy(entries, s.streams[stream])
	return entries
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
	return s.listener.Close()
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
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			writeError(writer, "ERR wrong number of arguments")
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "HELLO":
			// Answering like a pre-RESP3 server makes clients fall back
			// to RESP2.
			if err := writeError(writer, "ERR unknown command 'hello'"); err != nil {
				return
			}
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		case "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XLEN":
		if len(args) != 2 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xlen'")
			return false
		}
		s.mu.Lock()
		length := int64(len(s.streams[args[1]]))
		s.mu.Unlock()
		return writeInteger(writer, length) == nil
	case "CLIENT":
		// go-redis issues CLIENT SETINFO during connection setup.
		return writeSimpleString(writer, "OK") == nil
	default:
		// Unknown commands get an error reply but keep the connection
		// open; clients tolerate the error and carry on.
		return writeError(writer, "ERR unsupported command") == nil
	}
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xadd'")
		return false
	}
	stream := args[1]
	rest := args[2:]
	maxLen := -1
	if strings.EqualFold(rest[0], "MAXLEN") {
		rest = rest[1:]
		if len(rest) > 0 && (rest[0] == "~" || rest[0] == "=") {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			_ = writeError(writer, "ERR syntax error")
			return false
		}
		parsed, err := strconv.Atoi(rest[0])
		if err != nil {
			_ = writeError(writer, "ERR value is not an integer or out of range")
			return false
		}
		maxLen = parsed
		rest = rest[1:]
	}
	if len(rest) < 3 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xadd'")
		return false
	}
	id := rest[0]
	values := make(map[string]string)
	for i := 1; i+1 < len(rest); i += 2 {
		values[rest[i]] = rest[i+1]
	}

	s.mu.Lock()
	if id == "*" {
		id = fmt.Sprintf("%d-0", len(s.streams[stream])+1)
	}
	entries := append(s.streams[stream], Entry{ID: id, Values: values})
	if maxLen >= 0 && len(entries) > maxLen {
		entries = entries[len(entries)-maxLen:]
	}
	s.streams[stream] = entries
	s.mu.Unlock()

	return writeBulkString(writer, id) == nil
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
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
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

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
