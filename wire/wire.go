// Package wire provides helpers for the DNS wire format pieces the SRP
// server cares about beyond what github.com/miekg/dns models directly:
// sub-domain and service sub-type name handling, the "Delete All RRsets
// from a name" record shape, the EDNS(0) Update Lease option, TXT record
// data blobs, and locating the SIG(0) record inside a raw message.
package wire

import (
	"errors"
	"strings"

	"github.com/miekg/dns"
)

const (
	// SubTypeLabel is the literal label marking a service sub-type,
	// e.g. "_printer._sub._http._tcp.default.service.arpa.".
	SubTypeLabel = "._sub."

	// MaxNameLength is the maximum length of a DNS name string.
	MaxNameLength = 255

	// UDPPayloadSize is the EDNS(0) UDP payload size advertised in responses.
	UDPPayloadSize = 512
)

var (
	ErrMalformedMessage = errors.New("wire: malformed DNS message")
	ErrNoSignature      = errors.New("wire: message carries no SIG record")
)

// IsSubDomainOf reports whether name equals domain or is a sub-domain of
// it. Both names must be fully qualified. The comparison is byte-exact:
// SRP clients echo the configured domain verbatim.
func IsSubDomainOf(name, domain string) bool {
	if !strings.HasSuffix(name, domain) {
		return false
	}
	n := len(name) - len(domain)
	return n == 0 || name[n-1] == '.'
}

// SubTypeBase returns the base service name of a sub-type service name,
// i.e. everything after the first "._sub." label. ok is false when name
// does not encode a sub-type.
func SubTypeBase(name string) (base string, ok bool) {
	i := strings.Index(name, SubTypeLabel)
	if i < 0 {
		return "", false
	}
	return name[i+len(SubTypeLabel):], true
}

// SubTypeLabelOf returns the leading sub-type label of a sub-type service
// name, e.g. "_printer" for "_printer._sub._http._tcp.<domain>.".
func SubTypeLabelOf(name string) (label string, ok bool) {
	i := strings.Index(name, SubTypeLabel)
	if i < 0 {
		return "", false
	}
	return name[:i], true
}

// IsDeleteAllRecord reports whether rr has the "Delete All RRsets from a
// name" shape of RFC 2136: CLASS ANY, TYPE ANY, TTL 0 and empty RDATA.
func IsDeleteAllRecord(rr dns.RR) bool {
	h := rr.Header()
	return h.Class == dns.ClassANY && h.Rrtype == dns.TypeANY && h.Ttl == 0 && h.Rdlength == 0
}

// LeaseOption extracts the single Update Lease option from opt. It
// returns an error unless opt carries exactly one option of that kind.
func LeaseOption(opt *dns.OPT) (lease, keyLease uint32, err error) {
	if len(opt.Option) != 1 {
		return 0, 0, ErrMalformedMessage
	}
	ul, ok := opt.Option[0].(*dns.EDNS0_UL)
	if !ok {
		return 0, 0, ErrMalformedMessage
	}
	return ul.Lease, ul.KeyLease, nil
}

// TxtData flattens a TXT record into the raw sequence of length-prefixed
// character strings carried on the wire. Empty records and empty entries
// are rejected.
func TxtData(txt *dns.TXT) ([]byte, error) {
	if len(txt.Txt) == 0 {
		return nil, ErrMalformedMessage
	}
	var data []byte
	for _, entry := range txt.Txt {
		if len(entry) == 0 || len(entry) > 255 {
			return nil, ErrMalformedMessage
		}
		data = append(data, byte(len(entry)))
		data = append(data, entry...)
	}
	return data, nil
}

// TxtEntries splits a raw TXT data blob back into its entries. It is the
// inverse of TxtData for well-formed blobs.
func TxtEntries(data []byte) ([]string, error) {
	var entries []string
	for len(data) > 0 {
		n := int(data[0])
		if n == 0 || n > len(data)-1 {
			return nil, ErrMalformedMessage
		}
		entries = append(entries, string(data[1:1+n]))
		data = data[1+n:]
	}
	return entries, nil
}
