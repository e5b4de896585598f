package webrtc

import (
	"errors"
	"io"

	"github.com/pion/rtp"
)

// H264Depacketizer extracts NAL units from RTP H264 payloads.
// It keeps per-instance FU-A reassembly state, so every remote track needs
// its own depacketizer.
type H264Depacketizer struct {
	fuaBuf []byte
	fuaSeq uint16
	inFrag bool
}

// NewH264Depacketizer creates a new depacketizer with its own reassembly buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize extracts NAL units from an RTP H264 payload with the given
// sequence number. Handles single NAL, STAP-A, and FU-A packet types. A
// sequence gap inside a FU-A run drops the whole NAL unit.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	naluType := payload[0] & 0x1f

	switch {
	case naluType >= 1 && naluType <= 23:
		d.reset()
		return [][]byte{payload}

	case naluType == 24:
		d.reset()
		return d.depacketizeSTAPA(payload)

	case naluType == 28:
		return d.depacketizeFUA(seq, payload)

	default:
		return nil
	}
}

func (d *H264Depacketizer) reset() {
	d.fuaBuf = nil
	d.inFrag = false
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1 // skip STAP-A header byte

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) depacketizeFUA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}

	fnri := payload[0] & 0xe0 // F + NRI bits from FU indicator
	fuHeader := payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1f

	switch {
	case start:
		// Reconstruct NAL header: F+NRI from FU indicator + type from FU header
		d.fuaBuf = append([]byte{fnri | naluType}, payload[2:]...)
		d.inFrag = true
	case !d.inFrag || seq != d.fuaSeq+1:
		d.reset()
		return nil
	default:
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
	}
	d.fuaSeq = seq

	if end {
		nalu := d.fuaBuf
		d.reset()
		return [][]byte{nalu}
	}

	return nil
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// AnnexBWriter writes the NAL units of an H264 RTP stream as an Annex-B
// byte stream. It has the same shape as pion's ivfwriter and oggwriter.
type AnnexBWriter struct {
	w      io.Writer
	depack *H264Depacketizer
}

// NewAnnexBWriter wraps w. If w is an io.Closer it is closed by Close.
func NewAnnexBWriter(w io.Writer) *AnnexBWriter {
	return &AnnexBWriter{w: w, depack: NewH264Depacketizer()}
}

func (a *AnnexBWriter) WriteRTP(pkt *rtp.Packet) error {
	if a.w == nil {
		return errors.New("annexb: writer closed")
	}
	for _, nalu := range a.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if _, err := a.w.Write(annexBStartCode); err != nil {
			return err
		}
		if _, err := a.w.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (a *AnnexBWriter) Close() error {
	w := a.w
	a.w = nil
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
