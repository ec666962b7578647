package wire

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// headerLen is the fixed size of the DNS message header.
const headerLen = 12

// Signature describes where the SIG(0) record sits inside a raw message.
// All offsets are from the start of the message.
type Signature struct {
	// RecordOffset is the offset of the SIG record's owner name.
	RecordOffset int
	// RdataOffset is the offset of the SIG RDATA.
	RdataOffset int
	// RdataLength is the length of the SIG RDATA.
	RdataLength int
}

// LocateSignature walks a raw DNS message and returns the position of the
// final record, which for an SRP update is the SIG(0) covering the
// message. Signature verification needs these raw offsets; they are lost
// once the message has been unpacked into records.
func LocateSignature(buf []byte) (Signature, error) {
	var sig Signature

	if len(buf) < headerLen {
		return sig, ErrMalformedMessage
	}

	qdCount := int(binary.BigEndian.Uint16(buf[4:6]))
	rrCount := int(binary.BigEndian.Uint16(buf[6:8])) +
		int(binary.BigEndian.Uint16(buf[8:10])) +
		int(binary.BigEndian.Uint16(buf[10:12]))

	if rrCount == 0 {
		return sig, ErrNoSignature
	}

	off := headerLen

	for i := 0; i < qdCount; i++ {
		_, next, err := dns.UnpackDomainName(buf, off)
		if err != nil {
			return sig, err
		}
		off = next + 4 // QTYPE + QCLASS
		if off > len(buf) {
			return sig, ErrMalformedMessage
		}
	}

	var start, rdataOff, rdLen int
	var rrType uint16

	for i := 0; i < rrCount; i++ {
		start = off
		_, next, err := dns.UnpackDomainName(buf, off)
		if err != nil {
			return sig, err
		}
		// TYPE(2) CLASS(2) TTL(4) RDLENGTH(2)
		if next+10 > len(buf) {
			return sig, ErrMalformedMessage
		}
		rrType = binary.BigEndian.Uint16(buf[next : next+2])
		rdLen = int(binary.BigEndian.Uint16(buf[next+8 : next+10]))
		rdataOff = next + 10
		off = rdataOff + rdLen
		if off > len(buf) {
			return sig, ErrMalformedMessage
		}
	}

	if rrType != dns.TypeSIG {
		return sig, ErrNoSignature
	}

	sig.RecordOffset = start
	sig.RdataOffset = rdataOff
	sig.RdataLength = rdLen
	return sig, nil
}

// HeaderWithoutSignature returns a copy of the message header with its
// ARCOUNT decremented by one, as required when reconstructing the byte
// stream covered by a SIG(0) record.
func HeaderWithoutSignature(buf []byte) ([]byte, error) {
	if len(buf) < headerLen {
		return nil, ErrMalformedMessage
	}
	hdr := make([]byte, headerLen)
	copy(hdr, buf[:headerLen])
	arCount := binary.BigEndian.Uint16(hdr[10:12])
	if arCount == 0 {
		return nil, ErrMalformedMessage
	}
	binary.BigEndian.PutUint16(hdr[10:12], arCount-1)
	return hdr, nil
}
