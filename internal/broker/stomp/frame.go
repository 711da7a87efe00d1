// Package stomp implements a STOMP 1.2 client over WebSocket satisfying the
// broker.Dialer and broker.Conn contracts.
package stomp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Client and server commands used by this client.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
	CmdSend        = "SEND"
)

// Header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrLogin         = "login"
	HdrPasscode      = "passcode"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrMessage       = "message"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrServer        = "server"
)

// Header is a single frame header. Frames keep headers in wire order since
// STOMP gives the first occurrence of a repeated header precedence.
type Header struct {
	Key   string
	Value string
}

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame from alternating header keys and values.
func NewFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the first value of key.
func (f *Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Value returns the first value of key or "".
func (f *Frame) Value(key string) string {
	v, _ := f.Get(key)
	return v
}

// Set replaces the first value of key or appends it.
func (f *Frame) Set(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// escapes reports whether header escaping applies to the frame command.
// CONNECT and CONNECTED frames are exempt for 1.0 compatibility.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

// Marshal encodes the frame. A content-length header is added when the body
// is non-empty and none is set.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	esc := escapes(f.Command)
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == HdrContentLength {
			hasLength = true
		}
		if esc {
			buf.WriteString(escapeHeader(h.Key))
			buf.WriteByte(':')
			buf.WriteString(escapeHeader(h.Value))
		} else {
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, "\\") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape in header %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("invalid escape \\%c in header %q", s[i], s)
		}
	}
	return b.String(), nil
}

// Parse decodes every frame in data. One WebSocket message may carry several
// frames; end-of-line bytes between frames are heart-beats and are skipped.
// A message holding only heart-beats yields no frames and no error.
func Parse(data []byte) ([]*Frame, error) {
	var frames []*Frame
	for {
		data = skipEOL(data)
		if len(data) == 0 {
			return frames, nil
		}
		f, rest, err := parseOne(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = rest
	}
}

func skipEOL(data []byte) []byte {
	for len(data) > 0 {
		switch {
		case data[0] == '\n':
			data = data[1:]
		case data[0] == '\r' && len(data) > 1 && data[1] == '\n':
			data = data[2:]
		default:
			return data
		}
	}
	return data
}

// readLine returns the line without its EOL and the remaining data.
func readLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", data, false
	}
	line := data[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), data[i+1:], true
}

func parseOne(data []byte) (*Frame, []byte, error) {
	command, data, ok := readLine(data)
	if !ok {
		return nil, nil, fmt.Errorf("incomplete frame: missing command line")
	}
	if command == "" {
		return nil, nil, fmt.Errorf("empty command")
	}

	f := &Frame{Command: command}
	esc := escapes(command)
	for {
		var line string
		line, data, ok = readLine(data)
		if !ok {
			return nil, nil, fmt.Errorf("incomplete frame %s: unterminated headers", command)
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, nil, fmt.Errorf("malformed header line %q", line)
		}
		key, value := line[:idx], line[idx+1:]
		if esc {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return nil, nil, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, nil, err
			}
		}
		f.Headers = append(f.Headers, Header{Key: key, Value: value})
	}

	if raw, ok := f.Get(HdrContentLength); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("invalid content-length %q", raw)
		}
		if len(data) < n+1 {
			return nil, nil, fmt.Errorf("frame body shorter than content-length %d", n)
		}
		if data[n] != 0 {
			return nil, nil, fmt.Errorf("frame body not NULL-terminated after %d bytes", n)
		}
		f.Body = append([]byte(nil), data[:n]...)
		return f, data[n+1:], nil
	}

	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return nil, nil, fmt.Errorf("frame body not NULL-terminated")
	}
	f.Body = append([]byte(nil), data[:end]...)
	return f, data[end+1:], nil
}
