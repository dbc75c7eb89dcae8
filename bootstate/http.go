package bootstate

import (
	"bytes"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/morpheusx-boot/morpheusx/loop"
	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// httpPhase mirrors spec §3.1's HttpDownloadState variants.
type httpPhase int

const (
	httpInit httpPhase = iota
	httpResolving
	httpConnecting
	httpSendingRequest
	httpReceivingHeaders
	httpReceivingBody
	httpDone
	httpFailed
)

// chunkSink is bootstate.Machine's staging-buffer half of httpState,
// kept as a narrow interface so httpState has no direct dependency on
// block/dma specifics.
type chunkSink interface {
	canAcceptChunk() bool
	writeChunk(data []byte) error
	maxChunk() int
}

// httpState is spec §3.1's HttpDownloadState: {Init, Resolving,
// Connecting, SendingRequest{sent_bytes}, ReceivingHeaders,
// ReceivingBody{received, content_length?}, Done{total}, Failed}.
type httpState struct {
	phase httpPhase

	host string
	port uint16
	path string

	phaseStart uint64

	resolvedIP netip.Addr

	handle        tcpip.Handle
	connectIssued bool

	request   []byte
	sentBytes int

	headerBuf     []byte
	pendingBody   []byte
	statusCode    int
	contentLength int
	haveLength    bool

	received int
	total    int
}

// step advances httpState by one tick for the single URL rawURL.
func (h *httpState) step(now uint64, tm timeouts, engine tcpip.Engine, rawURL string, sink chunkSink) (loop.StepResult, error) {
	switch h.phase {
	case httpInit:
		if err := h.parseURL(rawURL); err != nil {
			h.phase = httpFailed
			return loop.Failed, err
		}

		if addr, err := netip.ParseAddr(h.host); err == nil {
			h.resolvedIP = addr
			h.phase = httpConnecting
			h.phaseStart = now
			return loop.Pending, nil
		}

		h.phase = httpResolving
		h.phaseStart = now
		return loop.Pending, nil

	case httpResolving:
		addr, ok, err := engine.DNSQuery(h.host)
		if err != nil {
			h.phase = httpFailed
			return loop.Failed, err
		}
		if ok {
			h.resolvedIP = addr
			h.phase = httpConnecting
			h.phaseStart = now
			return loop.Pending, nil
		}

		if now-h.phaseStart > tm.dnsQuery {
			h.phase = httpFailed
			return loop.Timeout, ErrDNSTimeout
		}

		return loop.Pending, nil

	case httpConnecting:
		if !h.connectIssued {
			handle, err := engine.TCPConnect(netip.AddrPortFrom(h.resolvedIP, h.port))
			if err != nil {
				h.phase = httpFailed
				return loop.Failed, err
			}
			h.handle = handle
			h.connectIssued = true
			return loop.Pending, nil
		}

		switch engine.TCPState(h.handle) {
		case tcpip.ConnEstablished:
			h.request = h.buildRequest()
			h.sentBytes = 0
			h.phase = httpSendingRequest
			h.phaseStart = now
			return loop.Pending, nil

		case tcpip.ConnError:
			h.phase = httpFailed
			return loop.Failed, ErrTCPRefused
		}

		if now-h.phaseStart > tm.tcpConnect {
			h.phase = httpFailed
			return loop.Timeout, ErrTCPConnectTimeout
		}

		return loop.Pending, nil

	case httpSendingRequest:
		n, err := engine.TCPSend(h.handle, h.request[h.sentBytes:])
		if err != nil {
			h.phase = httpFailed
			return loop.Failed, err
		}
		h.sentBytes += n

		if h.sentBytes >= len(h.request) {
			h.phase = httpReceivingHeaders
			h.phaseStart = now
			return loop.Pending, nil
		}

		if now-h.phaseStart > tm.httpSend {
			h.phase = httpFailed
			return loop.Timeout, ErrHTTPSendTimeout
		}

		return loop.Pending, nil

	case httpReceivingHeaders:
		var buf [2048]byte
		n, ok, err := engine.TCPRecv(h.handle, buf[:])
		if err != nil {
			h.phase = httpFailed
			return loop.Failed, err
		}
		if n > 0 {
			h.headerBuf = append(h.headerBuf, buf[:n]...)
		}

		if idx := bytes.Index(h.headerBuf, []byte("\r\n\r\n")); idx >= 0 {
			if err := h.parseHeaders(h.headerBuf[:idx]); err != nil {
				h.phase = httpFailed
				return loop.Failed, err
			}

			h.pendingBody = append(h.pendingBody, h.headerBuf[idx+4:]...)
			h.phase = httpReceivingBody
			h.phaseStart = now
			return loop.Pending, nil
		}

		if ok && n == 0 {
			h.phase = httpFailed
			return loop.Failed, ErrHTTPTruncated
		}

		if now-h.phaseStart > tm.httpRecv {
			h.phase = httpFailed
			return loop.Timeout, ErrHTTPRecvTimeout
		}

		return loop.Pending, nil

	case httpReceivingBody:
		return h.stepReceivingBody(now, tm, engine, sink)

	case httpDone:
		return loop.Done, nil

	default:
		return loop.Failed, nil
	}
}

func (h *httpState) stepReceivingBody(now uint64, tm timeouts, engine tcpip.Engine, sink chunkSink) (loop.StepResult, error) {
	if len(h.pendingBody) > 0 {
		if !sink.canAcceptChunk() {
			return loop.Pending, nil
		}

		chunk := h.pendingBody
		if max := sink.maxChunk(); len(chunk) > max {
			chunk = chunk[:max]
		}

		if err := sink.writeChunk(chunk); err != nil {
			h.phase = httpFailed
			return loop.Failed, err
		}

		h.received += len(chunk)
		h.pendingBody = h.pendingBody[len(chunk):]

		if h.haveLength && h.received >= h.contentLength {
			return h.finishBody(engine)
		}

		return loop.Pending, nil
	}

	if !sink.canAcceptChunk() {
		// Backpressure: the previous chunk's write hasn't completed yet,
		// so reception pauses without closing the connection (spec
		// §4.4).
		return loop.Pending, nil
	}

	buf := make([]byte, sink.maxChunk())
	n, ok, err := engine.TCPRecv(h.handle, buf)
	if err != nil {
		h.phase = httpFailed
		return loop.Failed, err
	}

	if n > 0 {
		if err := sink.writeChunk(buf[:n]); err != nil {
			h.phase = httpFailed
			return loop.Failed, err
		}
		h.received += n
	}

	if h.haveLength && h.received >= h.contentLength {
		return h.finishBody(engine)
	}

	if ok && n == 0 {
		// Peer sent FIN: clean EOF. Acceptable even without a known
		// Content-Length (spec §6: "bounded either by Content-Length or
		// end-of-stream").
		return h.finishBody(engine)
	}

	if now-h.phaseStart > tm.httpRecv {
		h.phase = httpFailed
		return loop.Timeout, ErrHTTPRecvTimeout
	}

	return loop.Pending, nil
}

func (h *httpState) finishBody(engine tcpip.Engine) (loop.StepResult, error) {
	h.total = h.received
	h.phase = httpDone
	engine.TCPClose(h.handle)
	return loop.Done, nil
}

func (h *httpState) parseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	host := u.Hostname()
	port := uint16(80)
	if p := u.Port(); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = uint16(v)
		}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	h.host = host
	h.port = port
	h.path = path

	return nil
}

func (h *httpState) buildRequest() []byte {
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(h.path)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(h.host)
	b.WriteString("\r\nConnection: close\r\n\r\n")
	return []byte(b.String())
}

func (h *httpState) parseHeaders(header []byte) error {
	lines := strings.Split(string(header), "\r\n")
	if len(lines) == 0 {
		return ErrHTTPTruncated
	}

	statusLine := strings.Fields(lines[0])
	if len(statusLine) < 2 {
		return ErrHTTPTruncated
	}

	code, err := strconv.Atoi(statusLine[1])
	if err != nil {
		return ErrHTTPTruncated
	}
	h.statusCode = code

	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil {
				h.contentLength = n
				h.haveLength = true
			}
		}
	}

	if h.statusCode != 200 {
		return ErrHTTPStatus
	}

	return nil
}
