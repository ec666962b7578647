package protocol

import (
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/ubieda/srp-go/crypto/sig0"
	"github.com/ubieda/srp-go/wire"
)

// messageMetadata carries the context of one received update message
// through the parsing passes.
type messageMetadata struct {
	raw         []byte
	msg         *dns.Msg
	rxTime      time.Time
	leaseConfig LeaseConfig
	peer        netip.AddrPort
	direct      bool
	zoneClass   uint16
}

// processZoneSection requires a single SOA zone record naming the
// server's domain.
func (s *Server) processZoneSection(md *messageMetadata) ErrorCode {
	if len(md.msg.Question) != 1 {
		return ErrorParse
	}
	zone := md.msg.Question[0]
	if zone.Qtype != dns.TypeSOA {
		return ErrorParse
	}
	if zone.Name != s.domain {
		return ErrorSecurity
	}
	md.zoneClass = zone.Qclass
	return ErrorNone
}

// processUpdateSection decodes the Update section into the transient
// host in three passes over the same records; the order is load-bearing.
func (s *Server) processUpdateSection(host *Host, md *messageMetadata) ErrorCode {
	// Service Discovery Instructions go first so that later passes can
	// tell host names from service instance names when handling a
	// "Delete All RRsets from a name" record.
	if err := s.processServiceDiscoveryInstructions(host, md); err != ErrorNone {
		return err
	}
	if err := s.processHostDescriptionInstruction(host, md); err != ErrorNone {
		return err
	}
	if err := s.processServiceDescriptionInstructions(host, md); err != ErrorNone {
		return err
	}
	if s.hasNameConflictsWith(host) {
		return ErrorDuplicated
	}
	return ErrorNone
}

// processServiceDiscoveryInstructions builds the transient service list
// from the PTR records of the Update section.
func (s *Server) processServiceDiscoveryInstructions(host *Host, md *messageMetadata) ErrorCode {
	for _, rr := range md.msg.Ns {
		name := rr.Header().Name
		if !wire.IsSubDomainOf(name, s.domain) {
			return ErrorSecurity
		}

		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}

		if ptr.Hdr.Class != dns.ClassNONE && ptr.Hdr.Class != md.zoneClass {
			return ErrorFailed
		}

		instanceName := ptr.Ptr

		// A sub-type service name has the form
		// "<sub-label>._sub.<service-labels>.<domain>.".
		serviceName := name
		baseName, isSubType := wire.SubTypeBase(serviceName)
		if !isSubType {
			baseName = serviceName
		}

		// The instance must belong to the (base) service type.
		if !hasSuffix(instanceName, baseName) {
			return ErrorFailed
		}

		if host.FindService(serviceName, instanceName) != nil {
			return ErrorFailed
		}

		svc := host.addNewService(serviceName, instanceName, isSubType, md.rxTime)

		// CLASS NONE is the "Delete an RR from an RRset" form.
		svc.deleted = ptr.Hdr.Class == dns.ClassNONE
	}
	return ErrorNone
}

// processHostDescriptionInstruction extracts the host name, addresses
// and key from the Update section.
func (s *Server) processHostDescriptionInstruction(host *Host, md *messageMetadata) ErrorCode {
	for _, rr := range md.msg.Ns {
		name := rr.Header().Name

		switch {
		case rr.Header().Class == dns.ClassANY:
			if !wire.IsDeleteAllRecord(rr) {
				return ErrorFailed
			}
			// A "Delete All RRsets from a name" record applies to either
			// a service description or the host itself.
			if host.FindServiceDescription(name) == nil {
				if err := host.setFullName(name); err != ErrorNone {
					return err
				}
				host.clearResources()
			}

		case rr.Header().Rrtype == dns.TypeAAAA:
			if rr.Header().Class != md.zoneClass {
				return ErrorFailed
			}
			if err := host.setFullName(name); err != ErrorNone {
				return err
			}
			aaaa := rr.(*dns.AAAA)
			addr, ok := netip.AddrFromSlice(aaaa.AAAA.To16())
			if !ok {
				return ErrorParse
			}
			if host.addAddress(addr) == ErrorNoBufs {
				return ErrorNoBufs
			}

		case rr.Header().Rrtype == dns.TypeKEY:
			if rr.Header().Class != md.zoneClass {
				return ErrorFailed
			}
			key, err := keyFromRecord(rr.(*dns.KEY))
			if err != nil {
				return ErrorParse
			}
			if host.key != nil && !host.key.Equal(key) {
				return ErrorSecurity
			}
			host.setKey(key)
		}
	}

	// The Host Description Instruction must be complete. The address
	// count is checked later, once the Lease Option tells whether the
	// host is being removed or registered.
	if host.fullName == "" || host.key == nil {
		return ErrorFailed
	}
	return ErrorNone
}

// processServiceDescriptionInstructions populates the service
// descriptions from the SRV and TXT records of the Update section.
func (s *Server) processServiceDescriptionInstructions(host *Host, md *messageMetadata) ErrorCode {
	for _, rr := range md.msg.Ns {
		name := rr.Header().Name

		if rr.Header().Class == dns.ClassANY {
			if !wire.IsDeleteAllRecord(rr) {
				return ErrorFailed
			}
			if desc := host.FindServiceDescription(name); desc != nil {
				desc.clearResources()
				desc.updateTime = md.rxTime
			}
			continue
		}

		switch record := rr.(type) {
		case *dns.SRV:
			if record.Hdr.Class != md.zoneClass {
				return ErrorFailed
			}
			if !wire.IsSubDomainOf(name, s.domain) {
				return ErrorSecurity
			}
			if !host.Matches(record.Target) {
				return ErrorFailed
			}
			desc := host.FindServiceDescription(name)
			if desc == nil {
				return ErrorFailed
			}
			// Only one SRV record per service description.
			if desc.port != 0 {
				return ErrorFailed
			}
			desc.priority = record.Priority
			desc.weight = record.Weight
			desc.port = record.Port
			desc.updateTime = md.rxTime

		case *dns.TXT:
			if record.Hdr.Class != md.zoneClass {
				return ErrorFailed
			}
			desc := host.FindServiceDescription(name)
			if desc == nil {
				return ErrorFailed
			}
			data, err := wire.TxtData(record)
			if err != nil {
				return ErrorParse
			}
			desc.txtData = data
		}
	}

	// Every description must have been touched by this message, and SRV
	// and TXT state must come and go together.
	for _, desc := range host.descriptions {
		if !desc.updateTime.Equal(md.rxTime) {
			return ErrorFailed
		}
		if (desc.port == 0) != (desc.txtData == nil) {
			return ErrorFailed
		}
	}
	return ErrorNone
}

// processAdditionalSection decodes the Update Lease option and verifies
// the SIG(0) signature. The Additional section must hold exactly those
// two records.
func (s *Server) processAdditionalSection(host *Host, md *messageMetadata) ErrorCode {
	if len(md.msg.Extra) != 2 {
		return ErrorFailed
	}

	opt, ok := md.msg.Extra[0].(*dns.OPT)
	if !ok {
		return ErrorFailed
	}
	lease, keyLease, err := wire.LeaseOption(opt)
	if err != nil {
		return ErrorParse
	}

	host.lease = lease
	host.keyLease = keyLease

	// A registration (nonzero lease) must carry at least one usable
	// address.
	if host.lease > 0 && len(host.addresses) == 0 {
		return ErrorFailed
	}

	sig, ok := md.msg.Extra[1].(*dns.SIG)
	if !ok {
		return ErrorParse
	}

	// Signature expiry is deliberately not enforced: the client may have
	// no synchronized wall clock.

	if sig.Algorithm != dns.ECDSAP256SHA256 {
		return ErrorFailed
	}
	if sig.TypeCovered != 0 {
		return ErrorFailed
	}

	loc, err := wire.LocateSignature(md.raw)
	if err != nil {
		return ErrorParse
	}
	if err := sig0.Verify(host.key.PublicKey, md.raw, loc); err != nil {
		if err == sig0.ErrVerifyFailed {
			return ErrorSecurity
		}
		return ErrorParse
	}
	return ErrorNone
}

// hasSuffix reports whether name ends with the given parent name.
func hasSuffix(name, suffix string) bool {
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}
