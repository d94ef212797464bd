package net

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one client link that carries whole lines. ReadLine
// returns a line without its terminator; WriteLine appends whatever
// terminator the wire wants.
type Transport interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

type tcpTransport struct {
	conn net.Conn
	sc   *bufio.Scanner
}

// NewTCPTransport wraps a stream socket. A line longer than maxLine
// fails the read and ends the connection.
func NewTCPTransport(conn net.Conn, maxLine int) Transport {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), maxLine)
	return &tcpTransport{conn: conn, sc: sc}
}

func (t *tcpTransport) ReadLine() ([]byte, error) {
	if !t.sc.Scan() {
		if err := t.sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	// Scanner reuses its buffer across lines.
	return append([]byte(nil), t.sc.Bytes()...), nil
}

func (t *tcpTransport) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *tcpTransport) RemoteAddr() string                 { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) Close() error                       { return t.conn.Close() }

type wsTransport struct {
	ws *websocket.Conn
}

// NewWSTransport wraps a websocket link; each text message is one line.
func NewWSTransport(ws *websocket.Conn, maxLine int) Transport {
	ws.SetReadLimit(int64(maxLine))
	return &wsTransport{ws: ws}
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for {
		typ, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}
}

func (t *wsTransport) WriteLine(line []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, line)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.ws.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.ws.SetWriteDeadline(d) }
func (t *wsTransport) RemoteAddr() string                 { return t.ws.RemoteAddr().String() }
func (t *wsTransport) Close() error                       { return t.ws.Close() }
