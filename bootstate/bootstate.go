// Package bootstate implements the application-level download state
// machines the main loop steps once per iteration (spec §4.4 component I,
// §3.1): LinkWait → DhcpState → HttpDownloadState{TcpConnState} →
// Verifying → Done/Failed. Every sub-state machine follows the same
// contract (spec §4.4): step(now_tsc) checks its own elapsed-time budget
// first, then inspects its condition, and may transition immediately.
package bootstate

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/morpheusx-boot/morpheusx/block"
	"github.com/morpheusx-boot/morpheusx/dma"
	"github.com/morpheusx-boot/morpheusx/loop"
	"github.com/morpheusx-boot/morpheusx/netdev"
	"github.com/morpheusx-boot/morpheusx/tcpip"
)

// Phase is the top-level composition's current variant.
type Phase int

const (
	PhaseLinkWait Phase = iota
	PhaseWaitingForNetwork
	PhaseDownloading
	PhaseVerifying
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseLinkWait:
		return "link_wait"
	case PhaseWaitingForNetwork:
		return "waiting_for_network"
	case PhaseDownloading:
		return "downloading"
	case PhaseVerifying:
		return "verifying"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stagingBufSize bounds how many downloaded bytes accumulate before
// Machine submits a block write; chosen as a multiple of the common
// 512-byte sector size with headroom for larger sector devices.
const stagingBufSize = 64 << 10

// Config describes one download/install attempt.
type Config struct {
	// NIC is polled only for LinkUp; the main loop owns RefillRX/CollectTX.
	NIC netdev.Device

	Engine tcpip.Engine

	// Target is the block device the downloaded body is written to,
	// starting at StartSector.
	Target      block.Device
	StartSector uint64

	// DMA backs the staging buffer block writes are submitted from; it
	// must already be below the 4 GiB bus-address limit (spec I-3),
	// same as every other DMA consumer in this repository.
	DMA *dma.Region

	// URL is the single file spec.md's HttpDownloadState downloads.
	// Manifest, if non-empty, lists additional URLs downloaded in
	// sequence after URL — a supplemented feature (SPEC_FULL.md),
	// additive to the single-download path spec.md names.
	URL      string
	Manifest []string

	// ExpectedSHA256, if set, is checked during Verifying; a mismatch
	// fails the machine with ErrChecksumMismatch.
	ExpectedSHA256 []byte

	TSCFreq uint64

	// Logger receives one record per phase transition and one on
	// failure; nil means slog.Default(), following the "every subsystem
	// takes an *slog.Logger" convention (diag wires its ring buffer and
	// serial mirror to it via slog.New(slog.Handler)).
	Logger *slog.Logger
}

func (cfg Config) validate() error {
	if cfg.NIC == nil {
		return ErrNoNIC
	}
	if cfg.Engine == nil {
		return ErrNoEngine
	}
	if cfg.Target == nil {
		return ErrNoTarget
	}
	if cfg.DMA == nil {
		return ErrNoDMA
	}
	if cfg.URL == "" {
		return ErrNoURL
	}
	if cfg.TSCFreq == 0 {
		return ErrNoTSCFreq
	}

	return nil
}

var (
	ErrNoNIC              = errors.New("bootstate: config has no NIC")
	ErrNoEngine           = errors.New("bootstate: config has no TCP/IP engine")
	ErrNoTarget           = errors.New("bootstate: config has no target block device")
	ErrNoDMA              = errors.New("bootstate: config has no DMA region")
	ErrNoURL              = errors.New("bootstate: config has no download URL")
	ErrNoTSCFreq          = errors.New("bootstate: config has no calibrated TSC frequency")
	ErrLinkNeverCameUp    = errors.New("bootstate: link never came up")
	ErrDHCPTimeout        = errors.New("bootstate: DHCP lease was never bound")
	ErrDNSTimeout         = errors.New("bootstate: DNS query never resolved")
	ErrTCPConnectTimeout  = errors.New("bootstate: TCP connect never completed")
	ErrTCPRefused         = errors.New("bootstate: TCP connection refused")
	ErrHTTPSendTimeout    = errors.New("bootstate: HTTP request was never fully sent")
	ErrHTTPRecvTimeout    = errors.New("bootstate: HTTP response body never completed")
	ErrHTTPStatus         = errors.New("bootstate: HTTP response status was not 200")
	ErrHTTPTruncated      = errors.New("bootstate: HTTP response ended before Content-Length bytes arrived")
	ErrChecksumMismatch   = errors.New("bootstate: downloaded body does not match the expected checksum")
)

// Machine is the top-level download state machine, implementing
// loop.Application.
type Machine struct {
	cfg Config
	tm  timeouts

	phase Phase

	linkWaitStart uint64

	dhcp dhcpState

	manifestIdx int
	manifestURL string
	http        httpState

	stagingBuf []byte
	writeOff   uint64
	writeTag   uint64
	writePending bool
	nextTag    uint64

	hasher interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}

	logger *slog.Logger

	err error
}

var _ loop.Application = (*Machine)(nil)

// New constructs a Machine ready to Step from PhaseLinkWait.
func New(cfg Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	size := stagingBufSize
	if size > cfg.DMA.Size {
		size = cfg.DMA.Size
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		cfg:        cfg,
		tm:         computeTimeouts(cfg.TSCFreq),
		manifestURL: cfg.URL,
		stagingBuf: unsafe.Slice((*byte)(unsafe.Pointer(cfg.DMA.CPUAddr)), size),
		writeOff:   cfg.StartSector * uint64(cfg.Target.Info().SectorSize),
		logger:     logger,
	}

	if cfg.ExpectedSHA256 != nil {
		m.hasher = sha256.New()
	}

	return m, nil
}

// Step implements loop.Application, advancing exactly one sub-state
// machine transition (spec §4.4 state-machine contract).
func (m *Machine) Step(now uint64) loop.StepResult {
	switch m.phase {
	case PhaseLinkWait:
		return m.stepLinkWait(now)
	case PhaseWaitingForNetwork:
		return m.stepWaitingForNetwork(now)
	case PhaseDownloading:
		return m.stepDownloading(now)
	case PhaseVerifying:
		return m.stepVerifying(now)
	case PhaseDone:
		return loop.Done
	default:
		return loop.Failed
	}
}

// Phase reports the machine's current top-level variant, for diagnostics.
func (m *Machine) Phase() Phase { return m.phase }

// Err reports the failure reason once Phase() is PhaseFailed.
func (m *Machine) Err() error { return m.err }

func (m *Machine) fail(err error) loop.StepResult {
	m.phase = PhaseFailed
	m.err = err
	m.logger.Error("boot failed", "err", err)
	return loop.Failed
}

func (m *Machine) transition(to Phase) {
	m.logger.Info("phase transition", "from", m.phase, "to", to)
	m.phase = to
}

func (m *Machine) stepLinkWait(now uint64) loop.StepResult {
	if m.linkWaitStart == 0 {
		m.linkWaitStart = now
	}

	if m.cfg.NIC.LinkUp() {
		m.transition(PhaseWaitingForNetwork)
		m.dhcp = dhcpState{}
		return loop.Pending
	}

	if now-m.linkWaitStart > m.tm.linkWait {
		return m.fail(ErrLinkNeverCameUp)
	}

	return loop.Pending
}

func (m *Machine) stepWaitingForNetwork(now uint64) loop.StepResult {
	switch m.dhcp.step(now, m.tm, m.cfg.Engine) {
	case loop.Done:
		m.logger.Info("dhcp bound", "ip", m.dhcp.IP())
		m.transition(PhaseDownloading)
		m.http = httpState{}
		return loop.Pending
	case loop.Failed, loop.Timeout:
		return m.fail(ErrDHCPTimeout)
	default:
		return loop.Pending
	}
}

func (m *Machine) stepDownloading(now uint64) loop.StepResult {
	m.pollWrite()
	if m.phase == PhaseFailed {
		return loop.Failed
	}

	result, err := m.http.step(now, m.tm, m.cfg.Engine, m.manifestURL, m)
	switch result {
	case loop.Done:
		if m.manifestIdx < len(m.cfg.Manifest) {
			m.manifestURL = m.cfg.Manifest[m.manifestIdx]
			m.manifestIdx++
			m.http = httpState{}
			m.logger.Info("manifest entry downloaded", "next", m.manifestURL)
			return loop.Pending
		}

		m.transition(PhaseVerifying)
		return loop.Pending

	case loop.Failed, loop.Timeout:
		if err == nil {
			err = ErrHTTPRecvTimeout
		}
		return m.fail(err)

	default:
		return loop.Pending
	}
}

func (m *Machine) stepVerifying(now uint64) loop.StepResult {
	m.pollWrite()
	if m.phase == PhaseFailed {
		return loop.Failed
	}

	if m.writePending {
		return loop.Pending
	}

	if len(m.cfg.ExpectedSHA256) > 0 && m.hasher != nil {
		sum := m.hasher.Sum(nil)
		if !bytesEqual(sum, m.cfg.ExpectedSHA256) {
			return m.fail(ErrChecksumMismatch)
		}
	}

	m.transition(PhaseDone)
	return loop.Done
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// maxChunk is the largest slice httpState may ever pass to writeChunk in
// one call: exactly the staging buffer's size, so one chunk always maps
// to exactly one block write with no carryover to juggle.
func (m *Machine) maxChunk() int { return len(m.stagingBuf) }

// canAcceptChunk reports whether writeChunk may be called this
// iteration. While a previous write is still outstanding, httpState must
// pause TCPRecv rather than call writeChunk again — spec §4.4's "when an
// HTTP body exceeds a chunk budget, the state machine pauses reception
// without closing the connection" backpressure, applied to block writes
// as well as the TCP socket.
func (m *Machine) canAcceptChunk() bool { return !m.writePending }

// writeChunk stages exactly one chunk (len(data) <= maxChunk()) for a
// block write and submits it immediately. It never overlaps a previous
// write: callers must check canAcceptChunk first.
func (m *Machine) writeChunk(data []byte) error {
	if m.hasher != nil {
		m.hasher.Write(data)
	}

	n := copy(m.stagingBuf, data)

	sectorSize := int(m.cfg.Target.Info().SectorSize)
	sectors := (n + sectorSize - 1) / sectorSize

	for i := n; i < sectors*sectorSize; i++ {
		m.stagingBuf[i] = 0
	}

	tag := m.nextTag
	m.nextTag++

	req := block.Request{
		Tag:         tag,
		StartSector: m.writeOff / uint64(sectorSize),
		Data:        m.stagingBuf[:sectors*sectorSize],
	}

	if err := m.cfg.Target.SubmitWrite(req); err != nil {
		return err
	}

	m.cfg.Target.Notify()
	m.writeOff += uint64(sectors * sectorSize)
	m.writeTag = tag
	m.writePending = true

	return nil
}

// pollWrite drains at most one completion, clearing writePending once the
// outstanding tag is seen (spec P7: every submitted request eventually
// completes). A completion reporting block.Failed fails the whole machine
// instead of letting the caller proceed as though the write succeeded;
// callers must check m.phase for PhaseFailed immediately after calling
// this, since pollWrite itself has no return value to report it through.
func (m *Machine) pollWrite() {
	if !m.writePending {
		return
	}

	c, ok := m.cfg.Target.PollCompletion()
	if !ok {
		return
	}

	if c.Tag != m.writeTag {
		return
	}

	m.writePending = false

	if c.Kind == block.Failed {
		m.fail(fmt.Errorf("block write failed: %w", c.Err))
	}
}
