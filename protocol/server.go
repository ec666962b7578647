package protocol

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/ubieda/srp-go/wire"
)

const (
	// DefaultDomain is the domain the server is authoritative for until
	// SetDomain is called.
	DefaultDomain = "default.service.arpa."

	// UDPPortMin and UDPPortMax bound the listening port in unicast
	// address mode.
	UDPPortMin uint16 = 53535
	UDPPortMax uint16 = 53554

	// AnycastPort is the fixed listening port in anycast address mode.
	AnycastPort uint16 = 53

	// DefaultUpdateTimeout is how long the server waits for the
	// service-update handler before committing with ResponseTimeout.
	DefaultUpdateTimeout = 500 * time.Millisecond
)

// State is the server lifecycle state.
type State int

const (
	StateDisabled State = iota
	StateStopped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// AddressMode selects how the server's reachability is published in the
// network data.
type AddressMode int

const (
	AddressModeUnicast AddressMode = iota
	AddressModeAnycast
)

func (m AddressMode) String() string {
	if m == AddressModeAnycast {
		return "anycast"
	}
	return "unicast"
}

// ServiceUpdateHandler is called for every effective registry change so
// an external advertiser (typically mDNS) can mirror it. The handler
// reports back through Server.HandleServiceUpdateResult; if it stays
// silent past timeout, the server commits with ErrorResponseTimeout.
type ServiceUpdateHandler func(id uint32, host *Host, timeout time.Duration)

// Publisher advertises the server's reachability (the "DNS/SRP Address
// Service" network-data entry). Entry add/remove notifications come back
// through Server.HandlePublisherEvent. Publish calls are made without
// the server lock held, so an implementation may report the event
// synchronously.
type Publisher interface {
	PublishUnicast(port uint16)
	PublishAnycast(sequenceNumber uint8)
	Unpublish()
}

// PublisherEvent is a network-data publisher notification.
type PublisherEvent int

const (
	PublisherEventEntryAdded PublisherEvent = iota
	PublisherEventEntryRemoved
)

// Settings persists the small amount of state the server keeps across
// restarts (the listening port, for port-switch mitigation).
type Settings interface {
	ReadServerPort() (uint16, error)
	SaveServerPort(port uint16) error
}

// Transport is the server's own UDP socket. Open starts delivering
// datagrams to recv until Close.
type Transport interface {
	Open(port uint16, recv func(buf []byte, peer netip.AddrPort)) error
	Send(buf []byte, peer netip.AddrPort) error
	Close() error
}

// DnssdConn is the socket capability of a co-resident DNS-SD server.
// When it is bound to the server's port the server does not open its own
// socket: inbound messages are pushed via HandleDnssdMessage and replies
// go out through Send.
type DnssdConn interface {
	Port() uint16
	Send(buf []byte, peer netip.AddrPort) error
}

// Options configures a Server. Zero values select a nop logger, the
// default update timeout and the real clock.
type Options struct {
	Logger        *zap.SugaredLogger
	Publisher     Publisher
	Settings      Settings
	Transport     Transport
	Dnssd         DnssdConn
	UpdateTimeout time.Duration
	PortSwitch    bool
	Now           func() time.Time
}

type retainNameMode bool

const (
	retainName retainNameMode = true
	deleteName retainNameMode = false
)

type notifyMode bool

const (
	notifyHandler      notifyMode = true
	doNotNotifyHandler notifyMode = false
)

type serverTimer struct {
	timer    *time.Timer
	fireTime time.Time
	running  bool
}

func (t *serverTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.running = false
}

// Server is an SRP registration server. All exported methods are safe
// for concurrent use; internally every event runs to completion under
// one mutex.
type Server struct {
	mu sync.Mutex

	logger        *zap.SugaredLogger
	publisher     Publisher
	settings      Settings
	transport     Transport
	dnssd         DnssdConn
	now           func() time.Time
	updateTimeout time.Duration
	portSwitch    bool

	domain                string
	state                 State
	addressMode           AddressMode
	anycastSequenceNumber uint8
	port                  uint16
	leaseConfig           LeaseConfig
	handler               ServiceUpdateHandler

	hosts                   []*Host
	outstanding             outstandingUpdates
	updateID                uint32
	hasRegisteredAnyService bool
	socketOpen              bool

	leaseTimer       serverTimer
	outstandingTimer serverTimer
}

// NewServer creates a disabled server with the default domain, lease
// config and port.
func NewServer(opts Options) *Server {
	s := &Server{
		logger:        opts.Logger,
		publisher:     opts.Publisher,
		settings:      opts.Settings,
		transport:     opts.Transport,
		dnssd:         opts.Dnssd,
		now:           opts.Now,
		updateTimeout: opts.UpdateTimeout,
		portSwitch:    opts.PortSwitch,
		domain:        DefaultDomain,
		state:         StateDisabled,
		port:          UDPPortMin,
		leaseConfig:   DefaultLeaseConfig(),
		updateID:      rand.Uint32(),
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.updateTimeout == 0 {
		s.updateTimeout = DefaultUpdateTimeout
	}
	return s
}

// SetServiceHandler installs the advertiser callback.
func (s *Server) SetServiceHandler(handler ServiceUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// SetAddressMode selects unicast or anycast publishing. Only allowed
// while disabled.
func (s *Server) SetAddressMode(mode AddressMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return ErrorInvalidState
	}
	if s.addressMode != mode {
		s.logger.Infow("[server] address mode changed",
			"from", s.addressMode.String(), "to", mode.String())
		s.addressMode = mode
	}
	return nil
}

// SetAnycastSequenceNumber sets the sequence number advertised in
// anycast mode. Only allowed while disabled.
func (s *Server) SetAnycastSequenceNumber(sequenceNumber uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return ErrorInvalidState
	}
	s.anycastSequenceNumber = sequenceNumber
	s.logger.Infow("[server] anycast sequence number set", "seq", sequenceNumber)
	return nil
}

// SetDomain sets the domain the server is authoritative for, appending
// the trailing dot when absent. Only allowed while disabled.
func (s *Server) SetDomain(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisabled {
		return ErrorInvalidState
	}
	if len(domain) == 0 || len(domain) >= wire.MaxNameLength {
		return ErrorInvalidArgs
	}
	if domain[len(domain)-1] != '.' {
		domain += "."
	}
	s.domain = domain
	return nil
}

// SetLeaseConfig replaces the granted-lease bounds after validating the
// lease invariants.
func (s *Server) SetLeaseConfig(leaseConfig LeaseConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !leaseConfig.IsValid() {
		return ErrorInvalidArgs
	}
	s.leaseConfig = leaseConfig
	return nil
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddressMode returns the configured address mode.
func (s *Server) AddressMode() AddressMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addressMode
}

// AnycastSequenceNumber returns the configured anycast sequence number.
func (s *Server) AnycastSequenceNumber() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anycastSequenceNumber
}

// Domain returns the domain the server is authoritative for.
func (s *Server) Domain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// Port returns the currently selected listening port.
func (s *Server) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// LeaseConfig returns the granted-lease bounds.
func (s *Server) LeaseConfig() LeaseConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseConfig
}

// Hosts returns a snapshot of the registered hosts.
func (s *Server) Hosts() []*Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Host(nil), s.hosts...)
}

// SetEnabled enables or disables the server. Enabling publishes the
// DNS/SRP Address Service entry and waits for the publisher to confirm
// it before listening; disabling unpublishes and drops all state.
func (s *Server) SetEnabled(enabled bool) {
	s.mu.Lock()
	var publish func()

	if enabled {
		if s.state == StateDisabled {
			s.state = StateStopped
			switch s.addressMode {
			case AddressModeUnicast:
				s.selectPort()
				if s.publisher != nil {
					port := s.port
					publish = func() { s.publisher.PublishUnicast(port) }
				}
			case AddressModeAnycast:
				s.port = AnycastPort
				if s.publisher != nil {
					seq := s.anycastSequenceNumber
					publish = func() { s.publisher.PublishAnycast(seq) }
				}
			}
			if s.publisher == nil {
				// No publisher to wait for; start right away.
				s.start()
			}
		}
	} else if s.state != StateDisabled {
		if s.publisher != nil {
			publish = s.publisher.Unpublish
		}
		s.stop()
		s.state = StateDisabled
	}

	s.mu.Unlock()
	if publish != nil {
		publish()
	}
}

// HandlePublisherEvent reacts to the network-data publisher adding or
// removing the server's entry.
func (s *Server) HandlePublisherEvent(event PublisherEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event {
	case PublisherEventEntryAdded:
		s.start()
	case PublisherEventEntryRemoved:
		s.stop()
	}
}

// HandleDnssdStateChange re-evaluates socket ownership after the
// co-resident DNS-SD server started or stopped.
func (s *Server) HandleDnssdStateChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.prepareSocket()
	}
}

// HandleDnssdMessage accepts a datagram forwarded by the co-resident
// DNS-SD server sharing our port. It returns ErrorDrop when the message
// is not for us (not running, or we own our own socket).
func (s *Server) HandleDnssdMessage(buf []byte, peer netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.socketOpen {
		return ErrorDrop
	}
	if err := s.processMessage(buf, s.now(), s.leaseConfig, peer, true); err != ErrorNone {
		return err
	}
	return nil
}

// ProcessReplicatedMessage processes an update received from a
// replication partner rather than directly from a client. No response
// is produced and duplicate detection does not apply.
func (s *Server) ProcessReplicatedMessage(buf []byte, rxTime time.Time, leaseConfig LeaseConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.processMessage(buf, rxTime, leaseConfig, netip.AddrPort{}, false); err != ErrorNone {
		return err
	}
	return nil
}

// HandleServiceUpdateResult completes the outstanding update with the
// given id. Results for ids no longer outstanding are logged and
// discarded.
func (s *Server) HandleServiceUpdateResult(id uint32, result ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update := s.outstanding.findByID(id)
	if update == nil {
		s.logger.Infow("[server] delayed update result, already committed", "updateId", id)
		return
	}
	s.finishUpdate(update, result)
}

func (s *Server) selectPort() {
	s.port = UDPPortMin

	// Start one past the port persisted on the previous run, so clients
	// caching a stale server port across our reboot fail fast and
	// rediscover.
	if s.portSwitch && s.settings != nil {
		if port, err := s.settings.ReadServerPort(); err == nil {
			s.port = port + 1
			if s.port < UDPPortMin || s.port > UDPPortMax {
				s.port = UDPPortMin
			}
		}
	}

	s.logger.Infow("[server] selected port", "port", s.port)
}

func (s *Server) start() {
	if s.state != StateStopped {
		return
	}
	s.state = StateRunning
	s.prepareSocket()
	if s.state == StateRunning {
		s.logger.Infow("[server] start listening", "port", s.port)
	}
}

func (s *Server) stop() {
	if s.state != StateRunning {
		return
	}
	s.state = StateStopped

	for len(s.hosts) > 0 {
		s.removeHost(s.hosts[0], deleteName, notifyHandler)
	}

	s.outstanding.clear()
	s.leaseTimer.stop()
	s.outstandingTimer.stop()

	s.logger.Infow("[server] stop listening", "port", s.port)
	if s.socketOpen {
		if err := s.transport.Close(); err != nil {
			s.logger.Warnw("[server] failed to close socket", "error", err)
		}
		s.socketOpen = false
	}
	s.hasRegisteredAnyService = false
}

func (s *Server) prepareSocket() {
	if s.dnssd != nil && s.dnssd.Port() == s.port {
		// The DNS-SD server owns a socket on our port; share it instead
		// of opening a second one.
		if s.socketOpen {
			if err := s.transport.Close(); err != nil {
				s.logger.Warnw("[server] failed to close socket", "error", err)
			}
			s.socketOpen = false
		}
		return
	}

	if s.socketOpen {
		return
	}

	var err error
	if s.transport == nil {
		err = ErrorInvalidState
	} else {
		err = s.transport.Open(s.port, s.handleDatagram)
	}
	if err != nil {
		s.logger.Errorw("[server] failed to prepare socket", "error", err)
		s.stop()
		return
	}
	s.socketOpen = true
}

// handleDatagram is the receive callback of the server's own socket.
func (s *Server) handleDatagram(buf []byte, peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	if err := s.processMessage(buf, s.now(), s.leaseConfig, peer, true); err != ErrorNone {
		s.logger.Infow("[server] failed to handle DNS message", "error", err.String())
	}
}

func (s *Server) processMessage(buf []byte, rxTime time.Time, leaseConfig LeaseConfig, peer netip.AddrPort, direct bool) ErrorCode {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return ErrorParse
	}
	if msg.Response || msg.Opcode != dns.OpcodeUpdate {
		return ErrorDrop
	}

	md := &messageMetadata{
		raw:         buf,
		msg:         msg,
		rxTime:      rxTime,
		leaseConfig: leaseConfig,
		peer:        peer,
		direct:      direct,
	}
	s.processDnsUpdate(md)
	return ErrorNone
}

func (s *Server) processDnsUpdate(md *messageMetadata) {
	var host *Host

	if md.direct {
		s.logger.Infow("[server] received DNS update", "from", md.peer.String())
	} else {
		s.logger.Info("[server] received DNS update from a replication partner")
	}

	err := s.processZoneSection(md)

	if err == ErrorNone && md.direct && s.outstanding.findByRequest(md.msg.Id, md.peer) != nil {
		// A retransmission while the first copy is still waiting on the
		// handler; drop it silently.
		s.logger.Infow("[server] drop duplicated update request", "messageId", md.msg.Id)
		return
	}

	// SRP updates carry no prerequisites.
	if err == ErrorNone && len(md.msg.Answer) != 0 {
		err = ErrorFailed
	}

	if err == ErrorNone {
		host = newHost(md.rxTime)
		err = s.processUpdateSection(host, md)
	}

	// Parse lease time and validate the signature.
	if err == ErrorNone {
		err = s.processAdditionalSection(host, md)
	}

	if err == ErrorNone {
		s.handleUpdate(host, md)
		return
	}

	if md.direct {
		s.sendResponse(md.msg.Id, err.Rcode(), md.peer)
	}
}

func (s *Server) handleUpdate(host *Host, md *messageMetadata) {
	if host.lease == 0 {
		host.clearResources()

		// The client may omit services it registered earlier when
		// removing the host; carry them over marked deleted so the
		// handler sees everything that goes away.
		if existing := s.findHost(host.fullName); existing != nil {
			for _, svc := range existing.services {
				if svc.deleted {
					continue
				}
				if host.FindService(svc.serviceName, svc.desc.instanceName) != nil {
					continue
				}
				added := host.addNewService(svc.serviceName, svc.desc.instanceName, svc.isSubType, md.rxTime)
				added.desc.updateTime = md.rxTime
				added.deleted = true
			}
		}
	}

	if s.handler == nil {
		s.commitUpdate(ErrorNone, host, md.msg.Id, md.peer, md.direct, md.leaseConfig)
		return
	}

	update := &UpdateMetadata{
		id:          s.allocateID(),
		expireTime:  s.now().Add(s.updateTimeout),
		msgID:       md.msg.Id,
		peer:        md.peer,
		direct:      md.direct,
		leaseConfig: md.leaseConfig,
		host:        host,
	}
	s.outstanding.push(update)
	s.armOutstandingTimerIfEarlier(update.expireTime)

	s.logger.Infow("[server] notify service update handler", "updateId", update.id)
	go s.handler(update.id, host, s.updateTimeout)
}

func (s *Server) finishUpdate(update *UpdateMetadata, result ErrorCode) {
	s.logger.Infow("[server] handler result of update received",
		"updateId", update.id, "result", result.String())

	s.outstanding.remove(update)
	s.commitUpdate(result, update.host, update.msgID, update.peer, update.direct, update.leaseConfig)

	if s.outstanding.isEmpty() {
		s.outstandingTimer.stop()
	} else {
		s.armTimerAt(&s.outstandingTimer, s.outstanding.tail().expireTime, s.onOutstandingTimer)
	}
}

func (s *Server) commitUpdate(result ErrorCode, host *Host, msgID uint16, peer netip.AddrPort, direct bool, leaseConfig LeaseConfig) {
	var hostLease, hostKeyLease, grantedLease, grantedKeyLease uint32

	err := result
	if err == ErrorResponseTimeout {
		// The advertiser stayed silent past its deadline. The update is
		// applied anyway and only the client-facing outcome reports the
		// timeout; the client's retry reconciles any divergence between
		// the registry and the advertiser.
		err = ErrorNone
	}

	if err == ErrorNone {
		hostLease = host.lease
		hostKeyLease = host.keyLease
		grantedLease = leaseConfig.GrantLease(hostLease)
		grantedKeyLease = leaseConfig.GrantKeyLease(hostKeyLease)

		host.lease = grantedLease
		host.keyLease = grantedKeyLease
		for _, desc := range host.descriptions {
			desc.lease = grantedLease
			desc.keyLease = grantedKeyLease
		}

		existing := s.findHost(host.fullName)

		switch {
		case grantedLease == 0 && grantedKeyLease == 0:
			s.logger.Infow("[server] remove key of host", "host", host.fullName)
			s.removeHost(existing, deleteName, doNotNotifyHandler)

		case grantedLease == 0:
			if existing != nil {
				now := s.now()
				existing.keyLease = grantedKeyLease
				existing.updateTime = now
				s.removeHost(existing, retainName, doNotNotifyHandler)
				for _, svc := range existing.services {
					svc.updateTime = now
					s.removeService(existing, svc, retainName, doNotNotifyHandler)
				}
			}

		case existing != nil:
			err = s.mergeHost(existing, host)

		default:
			s.logger.Infow("[server] add new host", "host", host.fullName)
			for _, svc := range host.services {
				svc.committed = true
				s.logService(svc, actionAddNew)
			}
			s.addHost(host)

			if s.portSwitch && !s.hasRegisteredAnyService &&
				s.addressMode == AddressModeUnicast && s.settings != nil {
				s.hasRegisteredAnyService = true
				if err := s.settings.SaveServerPort(s.port); err != nil {
					s.logger.Warnw("[server] failed to persist port", "error", err)
				}
			}
		}

		if err == ErrorNone {
			s.handleLeaseTimer()
		}
	}

	if result == ErrorNone {
		result = err
	}

	if direct {
		if result == ErrorNone && !(grantedLease == hostLease && grantedKeyLease == hostKeyLease) {
			s.sendLeaseResponse(msgID, grantedLease, grantedKeyLease, peer)
		} else {
			s.sendResponse(msgID, result.Rcode(), peer)
		}
	}
}

// mergeHost merges the transient host's services and resources into the
// existing registry host, taking ownership of heap data.
func (s *Server) mergeHost(existing, from *Host) ErrorCode {
	s.logger.Infow("[server] update host", "host", existing.fullName)

	now := s.now()
	existing.addresses = from.addresses
	from.addresses = nil
	existing.key = from.key
	existing.lease = from.lease
	existing.keyLease = from.keyLease
	existing.updateTime = now

	for _, svc := range from.services {
		existingSvc := existing.FindService(svc.serviceName, svc.desc.instanceName)

		if svc.deleted {
			s.removeService(existing, existingSvc, retainName, doNotNotifyHandler)
			continue
		}

		target := existingSvc
		if target == nil {
			target = existing.addNewService(svc.serviceName, svc.desc.instanceName, svc.isSubType, svc.updateTime)
		}

		target.deleted = false
		target.committed = true
		target.updateTime = now

		if !svc.isSubType {
			// The description is shared across the base type and its
			// sub-types; only the base type carries SRV/TXT resources.
			target.desc.takeResourcesFrom(svc.desc, now)
		}

		if existingSvc != nil {
			s.logService(target, actionUpdateExisting)
		} else {
			s.logService(target, actionAddNew)
		}
	}

	return ErrorNone
}

func (s *Server) hasNameConflictsWith(host *Host) bool {
	if existing := s.findHost(host.fullName); existing != nil && !host.key.Equal(existing.key) {
		return true
	}

	// An instance name registered by another host is only acceptable
	// when both registrations present the same key.
	for _, desc := range host.descriptions {
		for _, other := range s.hosts {
			if other.FindServiceDescription(desc.instanceName) == nil {
				continue
			}
			if !host.key.Equal(other.key) {
				return true
			}
		}
	}
	return false
}

func (s *Server) findHost(fullName string) *Host {
	for _, h := range s.hosts {
		if h.fullName == fullName {
			return h
		}
	}
	return nil
}

func (s *Server) addHost(host *Host) {
	s.hosts = append(s.hosts, host)
}

func (s *Server) deleteHost(host *Host) {
	for i, h := range s.hosts {
		if h == host {
			s.hosts = append(s.hosts[:i], s.hosts[i+1:]...)
			return
		}
	}
}

func (s *Server) removeHost(host *Host, retain retainNameMode, notify notifyMode) {
	if host == nil {
		return
	}

	host.lease = 0
	host.clearResources()

	if retain == retainName {
		s.logger.Infow("[server] remove host, retain name", "host", host.fullName)
	} else {
		host.keyLease = 0
		s.deleteHost(host)
		s.logger.Infow("[server] fully remove host", "host", host.fullName)
	}

	if notify == notifyHandler && s.handler != nil {
		id := s.allocateID()
		s.logger.Infow("[server] notify service update handler", "updateId", id)
		// The host is removed regardless of the handler result, so the
		// reply is not awaited: removal fails only when the platform
		// advertiser is itself broken, in which case the host is not
		// expected to still be advertised.
		go s.handler(id, host, s.updateTimeout)
	}
}

func (s *Server) removeService(host *Host, svc *Service, retain retainNameMode, notify notifyMode) {
	if svc == nil {
		return
	}

	svc.deleted = true

	if retain == retainName {
		s.logService(svc, actionRemoveRetainName)
	} else {
		s.logService(svc, actionFullyRemove)
	}

	if notify == notifyHandler && s.handler != nil {
		id := s.allocateID()
		s.logger.Infow("[server] notify service update handler", "updateId", id)
		go s.handler(id, host, s.updateTimeout)
	}

	if retain == deleteName {
		host.deleteService(svc)
	}
}

// handleLeaseTimer walks all hosts, expiring what is due, and re-arms
// the lease timer at the earliest remaining deadline.
func (s *Server) handleLeaseTimer() {
	now := s.now()
	var earliest time.Time

	track := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	for _, host := range append([]*Host(nil), s.hosts...) {
		switch {
		case !host.KeyExpireTime().After(now):
			s.logger.Infow("[server] KEY LEASE of host expired", "host", host.fullName)

			// The name/key binding itself has lapsed.
			s.removeHost(host, deleteName, notifyHandler)

		case host.IsDeleted():
			// Deleted host whose names are still defended by key-leases.
			track(host.KeyExpireTime())

			for _, svc := range host.Services() {
				if !svc.KeyExpireTime().After(now) {
					s.logService(svc, actionKeyLeaseExpired)
					s.removeService(host, svc, deleteName, notifyHandler)
				} else {
					track(svc.KeyExpireTime())
				}
			}

		case !host.ExpireTime().After(now):
			s.logger.Infow("[server] LEASE of host expired", "host", host.fullName)

			// The services go away with the host; the handler is told
			// once, by the host removal below.
			for _, svc := range host.services {
				s.removeService(host, svc, retainName, doNotNotifyHandler)
			}
			s.removeHost(host, retainName, notifyHandler)
			track(host.KeyExpireTime())

		default:
			track(host.ExpireTime())

			for _, svc := range host.Services() {
				switch {
				case !svc.KeyExpireTime().After(now):
					s.logService(svc, actionKeyLeaseExpired)
					s.removeService(host, svc, deleteName, notifyHandler)
				case svc.deleted:
					track(svc.KeyExpireTime())
				case !svc.ExpireTime().After(now):
					s.logService(svc, actionLeaseExpired)
					s.removeService(host, svc, retainName, notifyHandler)
					track(svc.KeyExpireTime())
				default:
					track(svc.ExpireTime())
				}
			}
		}
	}

	if earliest.IsZero() {
		s.logger.Info("[server] lease timer stopped")
		s.leaseTimer.stop()
		return
	}
	s.logger.Infow("[server] lease timer scheduled",
		"seconds", earliest.Sub(now).Seconds())
	s.armTimerAt(&s.leaseTimer, earliest, s.onLeaseTimer)
}

// handleOutstandingUpdatesTimer times out every outstanding update whose
// deadline has passed; their commits proceed with ErrorResponseTimeout.
func (s *Server) handleOutstandingUpdatesTimer() {
	for !s.outstanding.isEmpty() && !s.outstanding.tail().expireTime.After(s.now()) {
		update := s.outstanding.tail()
		s.logger.Infow("[server] outstanding service update timeout", "updateId", update.id)
		s.finishUpdate(update, ErrorResponseTimeout)
	}
}

func (s *Server) onLeaseTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseTimer.running = false
	s.handleLeaseTimer()
}

func (s *Server) onOutstandingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstandingTimer.running = false
	s.handleOutstandingUpdatesTimer()
}

func (s *Server) armTimerAt(t *serverTimer, at time.Time, fire func()) {
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(d, fire)
	} else {
		t.timer.Stop()
		t.timer.Reset(d)
	}
	t.fireTime = at
	t.running = true
}

func (s *Server) armOutstandingTimerIfEarlier(at time.Time) {
	if s.outstandingTimer.running && !at.Before(s.outstandingTimer.fireTime) {
		return
	}
	s.armTimerAt(&s.outstandingTimer, at, s.onOutstandingTimer)
}

func (s *Server) allocateID() uint32 {
	s.updateID++
	return s.updateID
}

func (s *Server) sendResponse(msgID uint16, rcode int, peer netip.AddrPort) {
	s.sendMessage(wire.Response(msgID, rcode), peer)

	if rcode != dns.RcodeSuccess {
		s.logger.Infow("[server] send fail response", "rcode", rcode)
	} else {
		s.logger.Info("[server] send success response")
	}
}

func (s *Server) sendLeaseResponse(msgID uint16, lease, keyLease uint32, peer netip.AddrPort) {
	s.sendMessage(wire.LeaseResponse(msgID, lease, keyLease), peer)

	s.logger.Infow("[server] send response with granted lease",
		"lease", lease, "keyLease", keyLease)
}

func (s *Server) sendMessage(msg *dns.Msg, peer netip.AddrPort) {
	buf, err := msg.Pack()
	if err == nil {
		switch {
		case s.socketOpen:
			err = s.transport.Send(buf, peer)
		case s.dnssd != nil:
			err = s.dnssd.Send(buf, peer)
		default:
			err = ErrorInvalidState
		}
	}
	if err != nil {
		s.logger.Warnw("[server] failed to send response", "error", err)
	}
}

const (
	actionAddNew           = "add new"
	actionUpdateExisting   = "update existing"
	actionRemoveRetainName = "remove but retain name of"
	actionFullyRemove      = "fully remove"
	actionLeaseExpired     = "LEASE expired for"
	actionKeyLeaseExpired  = "KEY LEASE expired for"
)

// logService logs a service action. Only committed services are logged,
// so transient entries of an in-flight update stay quiet.
func (s *Server) logService(svc *Service, action string) {
	if !svc.committed {
		return
	}
	if label, ok := svc.SubTypeLabel(); ok {
		s.logger.Infow("[server] "+action+" service",
			"instance", svc.InstanceName(), "subtype", label)
		return
	}
	s.logger.Infow("[server] "+action+" service", "instance", svc.InstanceName())
}
