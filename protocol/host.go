package protocol

import (
	"bytes"
	"encoding/base64"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/ubieda/srp-go/crypto/sign"
	"github.com/ubieda/srp-go/wire"
)

// maxHostAddresses bounds the number of IPv6 addresses kept per host.
const maxHostAddresses = 8

// Key is the data of a host's KEY record. Only DNSSEC algorithm 13
// (ECDSA P-256 / SHA-256) is supported.
type Key struct {
	Flags     uint16
	Protocol  uint8
	Algorithm uint8
	PublicKey sign.PublicKey
}

func keyFromRecord(rr *dns.KEY) (*Key, error) {
	if rr.Algorithm != dns.ECDSAP256SHA256 {
		return nil, ErrorParse
	}
	raw, err := base64.StdEncoding.DecodeString(rr.PublicKey)
	if err != nil || len(raw) != sign.PublicKeySize {
		return nil, ErrorParse
	}
	return &Key{
		Flags:     rr.Flags,
		Protocol:  rr.Protocol,
		Algorithm: rr.Algorithm,
		PublicKey: sign.PublicKey(raw),
	}, nil
}

// Equal reports whether two keys carry byte-identical record data.
func (k *Key) Equal(other *Key) bool {
	return k.Flags == other.Flags && k.Protocol == other.Protocol &&
		k.Algorithm == other.Algorithm && bytes.Equal(k.PublicKey, other.PublicKey)
}

// ServiceFlags select services during iteration, by type and by state.
type ServiceFlags uint8

const (
	ServiceFlagBaseType ServiceFlags = 1 << iota
	ServiceFlagSubType
	ServiceFlagActive
	ServiceFlagDeleted

	ServiceFlagsAny = ServiceFlagBaseType | ServiceFlagSubType | ServiceFlagActive | ServiceFlagDeleted
)

// A Host is one registered SRP host: a full name, a public key, a set of
// unicast IPv6 addresses and the services attached to it. A Host is
// created per incoming update and either merged into the registry or
// dropped.
type Host struct {
	fullName     string
	key          *Key
	addresses    []netip.Addr
	lease        uint32 // seconds
	keyLease     uint32 // seconds
	updateTime   time.Time
	services     []*Service
	descriptions []*ServiceDescription
}

// A Service is a (service type, instance) pair attached to exactly one
// host. Base-type and sub-type services for the same instance share one
// ServiceDescription.
type Service struct {
	serviceName string
	isSubType   bool
	deleted     bool
	committed   bool
	updateTime  time.Time
	desc        *ServiceDescription
}

// A ServiceDescription holds the SRV and TXT state of one service
// instance. The host pointer is a weak back-reference for lookup; the
// host owns the description.
type ServiceDescription struct {
	instanceName string
	host         *Host
	priority     uint16
	weight       uint16
	port         uint16
	txtData      []byte
	lease        uint32 // seconds
	keyLease     uint32 // seconds
	updateTime   time.Time
}

func newHost(updateTime time.Time) *Host {
	return &Host{updateTime: updateTime}
}

// FullName returns the host's full name, or "" when not yet set.
func (h *Host) FullName() string { return h.fullName }

// Key returns the host's KEY record data.
func (h *Host) Key() *Key { return h.key }

// Addresses returns a copy of the host's address set.
func (h *Host) Addresses() []netip.Addr {
	return append([]netip.Addr(nil), h.addresses...)
}

// Lease returns the granted LEASE interval in seconds.
func (h *Host) Lease() uint32 { return h.lease }

// KeyLease returns the granted KEY-LEASE interval in seconds.
func (h *Host) KeyLease() uint32 { return h.keyLease }

// UpdateTime returns the time of the last update applied to the host.
func (h *Host) UpdateTime() time.Time { return h.updateTime }

// IsDeleted reports whether the host has been removed but its name is
// still held by the key-lease.
func (h *Host) IsDeleted() bool { return h.lease == 0 }

// ExpireTime returns when the host's LEASE runs out. Only meaningful for
// a live host.
func (h *Host) ExpireTime() time.Time {
	return h.updateTime.Add(leaseDuration(h.lease))
}

// KeyExpireTime returns when the host's KEY-LEASE runs out.
func (h *Host) KeyExpireTime() time.Time {
	return h.updateTime.Add(leaseDuration(h.keyLease))
}

// Services returns a copy of the host's service list.
func (h *Host) Services() []*Service {
	return append([]*Service(nil), h.services...)
}

// Matches reports whether name is this host's full name.
func (h *Host) Matches(name string) bool { return h.fullName == name }

// setFullName sets the host name. The name is immutable once set; a
// second call only succeeds with a matching name.
func (h *Host) setFullName(name string) ErrorCode {
	if h.fullName == "" {
		h.fullName = name
		return ErrorNone
	}
	if h.fullName != name {
		return ErrorFailed
	}
	return ErrorNone
}

func (h *Host) setKey(key *Key) { h.key = key }

// addAddress appends a unicast IPv6 address. Multicast, loopback,
// unspecified and duplicate addresses are dropped; a full address set is
// a hard error.
func (h *Host) addAddress(addr netip.Addr) ErrorCode {
	if addr.IsMulticast() || addr.IsUnspecified() || addr.IsLoopback() {
		// Not usable for reaching the host from other devices.
		return ErrorDrop
	}
	for _, existing := range h.addresses {
		if existing == addr {
			return ErrorDrop
		}
	}
	if len(h.addresses) == maxHostAddresses {
		return ErrorNoBufs
	}
	h.addresses = append(h.addresses, addr)
	return ErrorNone
}

func (h *Host) clearResources() { h.addresses = nil }

// FindNextService iterates the host's services after prev (nil starts
// from the beginning), skipping entries not matching flags or, when
// non-empty, the given service and instance names.
func (h *Host) FindNextService(prev *Service, flags ServiceFlags, serviceName, instanceName string) *Service {
	start := 0
	if prev != nil {
		for i, s := range h.services {
			if s == prev {
				start = i + 1
				break
			}
		}
	}
	for _, s := range h.services[start:] {
		if !s.MatchesFlags(flags) {
			continue
		}
		if serviceName != "" && s.serviceName != serviceName {
			continue
		}
		if instanceName != "" && s.desc.instanceName != instanceName {
			continue
		}
		return s
	}
	return nil
}

// FindService looks up the service with the given type and instance
// names regardless of flags.
func (h *Host) FindService(serviceName, instanceName string) *Service {
	return h.FindNextService(nil, ServiceFlagsAny, serviceName, instanceName)
}

// FindServiceDescription looks up the description shared by all services
// of the given instance name.
func (h *Host) FindServiceDescription(instanceName string) *ServiceDescription {
	for _, d := range h.descriptions {
		if d.instanceName == instanceName {
			return d
		}
	}
	return nil
}

// addNewService creates a service, attaching it to the instance's
// existing description or a fresh one.
func (h *Host) addNewService(serviceName, instanceName string, isSubType bool, updateTime time.Time) *Service {
	desc := h.FindServiceDescription(instanceName)
	if desc == nil {
		desc = &ServiceDescription{instanceName: instanceName, host: h}
		h.descriptions = append(h.descriptions, desc)
	}
	s := &Service{
		serviceName: serviceName,
		isSubType:   isSubType,
		updateTime:  updateTime,
		desc:        desc,
	}
	h.services = append(h.services, s)
	return s
}

// deleteService removes the service from the host and frees its
// description when no other service references it.
func (h *Host) deleteService(svc *Service) {
	for i, s := range h.services {
		if s == svc {
			h.services = append(h.services[:i], h.services[i+1:]...)
			break
		}
	}
	h.freeUnusedServiceDescriptions()
}

// freeUnusedServiceDescriptions drops descriptions no service references.
func (h *Host) freeUnusedServiceDescriptions() {
	kept := h.descriptions[:0]
	for _, d := range h.descriptions {
		if h.FindNextService(nil, ServiceFlagsAny, "", d.instanceName) != nil {
			kept = append(kept, d)
		}
	}
	h.descriptions = kept
}

// ServiceName returns the service's full type name, including the
// "._sub." labels for a sub-type.
func (s *Service) ServiceName() string { return s.serviceName }

// InstanceName returns the service's instance name.
func (s *Service) InstanceName() string { return s.desc.instanceName }

// IsSubType reports whether the service name encodes a sub-type.
func (s *Service) IsSubType() bool { return s.isSubType }

// IsDeleted reports whether the service has been removed with its name
// retained.
func (s *Service) IsDeleted() bool { return s.deleted }

// IsCommitted reports whether the service is reachable through the
// registry.
func (s *Service) IsCommitted() bool { return s.committed }

// UpdateTime returns the time of the last update touching this service.
func (s *Service) UpdateTime() time.Time { return s.updateTime }

// Description returns the service's shared description.
func (s *Service) Description() *ServiceDescription { return s.desc }

// ExpireTime returns when the service's LEASE runs out. Only meaningful
// for a live service on a live host.
func (s *Service) ExpireTime() time.Time {
	return s.updateTime.Add(leaseDuration(s.desc.lease))
}

// KeyExpireTime returns when the service's KEY-LEASE runs out.
func (s *Service) KeyExpireTime() time.Time {
	return s.updateTime.Add(leaseDuration(s.desc.keyLease))
}

// MatchesFlags reports whether the service passes the given type and
// state filter.
func (s *Service) MatchesFlags(flags ServiceFlags) bool {
	if s.isSubType {
		if flags&ServiceFlagSubType == 0 {
			return false
		}
	} else if flags&ServiceFlagBaseType == 0 {
		return false
	}
	if s.deleted {
		return flags&ServiceFlagDeleted != 0
	}
	return flags&ServiceFlagActive != 0
}

// SubTypeLabel returns the sub-type label of a sub-type service, e.g.
// "_printer" for "_printer._sub._http._tcp.<domain>.".
func (s *Service) SubTypeLabel() (string, bool) {
	if !s.isSubType {
		return "", false
	}
	return wire.SubTypeLabelOf(s.serviceName)
}

// Host returns the host the description belongs to.
func (d *ServiceDescription) Host() *Host { return d.host }

// InstanceName returns the instance name the description is keyed by.
func (d *ServiceDescription) InstanceName() string { return d.instanceName }

// Priority returns the SRV priority.
func (d *ServiceDescription) Priority() uint16 { return d.priority }

// Weight returns the SRV weight.
func (d *ServiceDescription) Weight() uint16 { return d.weight }

// Port returns the SRV port. Zero means the description carries no
// SRV/TXT state.
func (d *ServiceDescription) Port() uint16 { return d.port }

// TxtData returns the raw TXT data blob.
func (d *ServiceDescription) TxtData() []byte {
	return append([]byte(nil), d.txtData...)
}

func (d *ServiceDescription) clearResources() {
	d.port = 0
	d.txtData = nil
}

// takeResourcesFrom moves SRV/TXT state and lease grants over from the
// matching description of a transient host.
func (d *ServiceDescription) takeResourcesFrom(from *ServiceDescription, now time.Time) {
	d.txtData = from.txtData
	from.txtData = nil

	d.priority = from.priority
	d.weight = from.weight
	d.port = from.port

	d.lease = from.lease
	d.keyLease = from.keyLease
	d.updateTime = now
}
