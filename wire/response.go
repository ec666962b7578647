package wire

import "github.com/miekg/dns"

// Response builds a DNS UPDATE response with the given RCODE and no body.
func Response(id uint16, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.Id = id
	m.Response = true
	m.Opcode = dns.OpcodeUpdate
	m.Rcode = rcode
	return m
}

// LeaseResponse builds a success response whose Additional section
// carries an OPT record with the Update Lease option echoing the granted
// lease and key-lease intervals.
func LeaseResponse(id uint16, lease, keyLease uint32) *dns.Msg {
	m := Response(id, dns.RcodeSuccess)

	opt := &dns.OPT{
		Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT},
		Option: []dns.EDNS0{&dns.EDNS0_UL{
			Code:     dns.EDNS0UL,
			Lease:    lease,
			KeyLease: keyLease,
		}},
	}
	opt.SetUDPSize(UDPPayloadSize)
	opt.SetDo()

	m.Extra = []dns.RR{opt}
	return m
}
