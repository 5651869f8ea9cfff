package exaws

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/gorilla/websocket"
)

// frameMode selects how request and response bodies are framed on the
// wire. A Connection starts in framePlain and is switched to frameDeflate
// exactly once, after a login that negotiated compression.
type frameMode int8

const (
	// framePlain sends JSON bodies as text frames.
	framePlain frameMode = iota
	// frameDeflate sends zlib-compressed JSON bodies as binary frames.
	frameDeflate
)

// send writes one request body to the transport using the framing mode.
func (m frameMode) send(ws *websocket.Conn, payload []byte) error {
	if m == framePlain {
		return ws.WriteMessage(websocket.TextMessage, payload)
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return err
	}
	if _, err = zw.Write(payload); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

// receive reads one response body from the transport using the framing
// mode. A malformed compressed payload is a protocol error, not a silent
// drop.
func (m frameMode) receive(ws *websocket.Conn) ([]byte, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if m == framePlain {
		return data, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, protocolErrorf(err, "malformed compressed frame")
	}
	defer zr.Close()
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return nil, protocolErrorf(err, "malformed compressed frame")
	}
	return decompressed, nil
}
