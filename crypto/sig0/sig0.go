// Package sig0 implements SIG(0) transaction signatures (RFC 2931) the
// way SRP uses them: ECDSA P-256 / SHA-256 over the update message, with
// the signature carried as the final record of the Additional section.
//
// The signed byte stream is the concatenation of the SIG RDATA up to but
// excluding the signature itself (with the signer name in canonical,
// uncompressed form), the message header with its ARCOUNT decremented to
// exclude the SIG record, and the message body.
package sig0

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"

	"github.com/ubieda/srp-go/crypto/sign"
	"github.com/ubieda/srp-go/wire"
)

// sigRdataFixedLen is the fixed portion of the SIG RDATA: type covered,
// algorithm, labels, original TTL, expiration, inception and key tag.
const sigRdataFixedLen = 18

var (
	ErrMalformedSignature = errors.New("sig0: malformed SIG record")
	ErrVerifyFailed       = errors.New("sig0: signature verification failed")
)

// Verify checks the SIG(0) record located at loc inside the raw message
// buf against the ECDSA P-256 public key pub.
func Verify(pub sign.PublicKey, buf []byte, loc wire.Signature) error {
	rdataEnd := loc.RdataOffset + loc.RdataLength
	if loc.RdataLength < sigRdataFixedLen+1+sign.SignatureSize || rdataEnd > len(buf) {
		return ErrMalformedSignature
	}

	signerName, afterName, err := dns.UnpackDomainName(buf, loc.RdataOffset+sigRdataFixedLen)
	if err != nil {
		return ErrMalformedSignature
	}
	if rdataEnd-afterName != sign.SignatureSize {
		return ErrMalformedSignature
	}

	canonical, err := packName(signerName)
	if err != nil {
		return ErrMalformedSignature
	}

	hdr, err := wire.HeaderWithoutSignature(buf)
	if err != nil {
		return ErrMalformedSignature
	}

	h := sha256.New()
	h.Write(buf[loc.RdataOffset : loc.RdataOffset+sigRdataFixedLen])
	h.Write(canonical)
	h.Write(hdr)
	h.Write(buf[len(hdr):loc.RecordOffset])

	if !pub.VerifyDigest(h.Sum(nil), buf[rdataEnd-sign.SignatureSize:rdataEnd]) {
		return ErrVerifyFailed
	}
	return nil
}

// Append signs the packed message buf with key and returns the message
// with the SIG(0) record appended to its Additional section. This is the
// client half of Verify and is what the package tests register with.
func Append(buf []byte, key *sign.PrivateKey, signerName string) ([]byte, error) {
	if len(buf) < 12 {
		return nil, ErrMalformedSignature
	}

	signer, err := packName(dns.Fqdn(signerName))
	if err != nil {
		return nil, err
	}

	fixed := make([]byte, sigRdataFixedLen)
	fixed[2] = dns.ECDSAP256SHA256 // algorithm; all other fields are zero

	h := sha256.New()
	h.Write(fixed)
	h.Write(signer)
	h.Write(buf)

	sig, err := key.SignDigest(h.Sum(nil))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(buf)+1+10+len(fixed)+len(signer)+len(sig))
	out = append(out, buf...)
	out = append(out, 0) // root owner name
	out = appendUint16(out, dns.TypeSIG)
	out = appendUint16(out, dns.ClassANY)
	out = append(out, 0, 0, 0, 0) // TTL
	out = appendUint16(out, uint16(len(fixed)+len(signer)+len(sig)))
	out = append(out, fixed...)
	out = append(out, signer...)
	out = append(out, sig...)

	arCount := binary.BigEndian.Uint16(out[10:12])
	binary.BigEndian.PutUint16(out[10:12], arCount+1)
	return out, nil
}

func packName(name string) ([]byte, error) {
	buf := make([]byte, wire.MaxNameLength+1)
	n, err := dns.PackDomainName(name, buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}
