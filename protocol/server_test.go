package protocol

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/ubieda/srp-go/crypto/sign"
	"github.com/ubieda/srp-go/wire"
)

var testLeaseConfig = LeaseConfig{MinLease: 60, MaxLease: 3600, MinKeyLease: 600, MaxKeyLease: 86400}

func registerBaseHost(t *testing.T, h *testHarness) *sign.PrivateKey {
	t.Helper()
	u := baseUpdate(h, 100)
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)
	return u.key
}

func TestRegisterNewHost(t *testing.T) {
	h := newTestServer(t, false)
	if err := h.server.SetLeaseConfig(testLeaseConfig); err != nil {
		t.Fatal(err)
	}

	u := baseUpdate(h, 1)
	h.deliver(u.build(t))

	resp := h.transport.takeResponse(t)
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("Expect success, got rcode %d", resp.Rcode)
	}
	if len(resp.Extra) != 0 {
		t.Fatal("Expect no lease option when granted values equal requested values")
	}

	hosts := h.server.Hosts()
	if len(hosts) != 1 {
		t.Fatalf("Expect 1 host (got %d)", len(hosts))
	}
	host := hosts[0]
	if host.FullName() != testHostName {
		t.Fatal("Unexpected host name", host.FullName())
	}
	if host.Lease() != 3600 || host.KeyLease() != 7200 {
		t.Fatalf("Expect granted lease 3600/7200, got %d/%d", host.Lease(), host.KeyLease())
	}
	if addrs := host.Addresses(); len(addrs) != 1 || addrs[0] != netip.MustParseAddr("fd00::1") {
		t.Fatal("Unexpected host addresses", addrs)
	}
	if !bytes.Equal(host.Key().PublicKey, u.key.Public()) {
		t.Fatal("Expect the host to expose the client's public key")
	}

	services := host.Services()
	if len(services) != 1 {
		t.Fatalf("Expect 1 service (got %d)", len(services))
	}
	svc := services[0]
	if !svc.IsCommitted() || svc.IsDeleted() {
		t.Fatal("Expect a committed, live service")
	}
	if svc.InstanceName() != testInstanceName || svc.ServiceName() != testServiceType {
		t.Fatal("Unexpected service names")
	}
	desc := svc.Description()
	if desc.Port() != 1234 {
		t.Fatalf("Expect SRV port 1234 (got %d)", desc.Port())
	}
	if !bytes.Equal(desc.TxtData(), []byte{3, 'k', '=', 'v'}) {
		t.Fatalf("Unexpected TXT data % x", desc.TxtData())
	}
}

func TestGrantedLeaseClamped(t *testing.T) {
	h := newTestServer(t, false)
	if err := h.server.SetLeaseConfig(testLeaseConfig); err != nil {
		t.Fatal(err)
	}

	u := baseUpdate(h, 1)
	u.lease = 10 // below MinLease
	h.deliver(u.build(t))

	resp := h.transport.takeResponse(t)
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("Expect success, got rcode %d", resp.Rcode)
	}
	opt, ok := resp.Extra[0].(*dns.OPT)
	if !ok {
		t.Fatalf("Expect a lease option echoing granted values, got %T", resp.Extra[0])
	}
	lease, keyLease, err := wire.LeaseOption(opt)
	if err != nil {
		t.Fatal(err)
	}
	if lease != 60 || keyLease != 7200 {
		t.Fatalf("Expect granted 60/7200, got %d/%d", lease, keyLease)
	}

	host := h.server.Hosts()[0]
	if host.Lease() != 60 {
		t.Fatalf("Expect the clamped lease to be stored (got %d)", host.Lease())
	}
	// The echoed value is exactly what expiry computations use.
	want := host.UpdateTime().Add(time.Duration(lease) * time.Second)
	if !host.ExpireTime().Equal(want) {
		t.Fatal("Expect expiry to follow the granted lease")
	}
}

func TestKeyMismatchedInstanceConflict(t *testing.T) {
	h := newTestServer(t, false)
	registerBaseHost(t, h)

	u := testUpdate{
		msgID:    2,
		hostName: "h2.default.service.arpa.",
		addrs:    []string{"fd00::2"},
		key:      newTestKey(t),
		lease:    3600,
		keyLease: 7200,
		services: []testService{{
			serviceType: testServiceType,
			instance:    testInstanceName,
			port:        4321,
		}},
	}
	h.deliver(u.build(t))

	resp := h.transport.takeResponse(t)
	if resp.Rcode != dns.RcodeYXDomain {
		t.Fatalf("Expect YXDomain for a key-mismatched instance, got %d", resp.Rcode)
	}

	hosts := h.server.Hosts()
	if len(hosts) != 1 || hosts[0].FullName() != testHostName {
		t.Fatal("Expect the registry unchanged")
	}
}

func TestKeyChangeOnExistingHostRefused(t *testing.T) {
	h := newTestServer(t, false)
	registerBaseHost(t, h)

	u := baseUpdate(h, 2) // fresh key for the same host name
	u.services = nil
	h.deliver(u.build(t))

	resp := h.transport.takeResponse(t)
	if resp.Rcode != dns.RcodeYXDomain {
		t.Fatalf("Expect YXDomain for a host key change, got %d", resp.Rcode)
	}
}

func TestSameKeyMayClaimInstanceOnAnotherHost(t *testing.T) {
	h := newTestServer(t, false)
	key := registerBaseHost(t, h)

	u := testUpdate{
		msgID:    2,
		hostName: "h2.default.service.arpa.",
		addrs:    []string{"fd00::2"},
		key:      key,
		lease:    3600,
		keyLease: 7200,
		services: []testService{{
			serviceType: testServiceType,
			instance:    testInstanceName,
			port:        4321,
		}},
	}
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)

	if got := len(h.server.Hosts()); got != 2 {
		t.Fatalf("Expect 2 hosts (got %d)", got)
	}
}

func TestRemoveWithNameRetained(t *testing.T) {
	h := newTestServer(t, false)
	key := registerBaseHost(t, h)

	u := testUpdate{
		msgID:    2,
		hostName: testHostName,
		key:      key,
		lease:    0,
		keyLease: 7200,
	}
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)

	hosts := h.server.Hosts()
	if len(hosts) != 1 {
		t.Fatalf("Expect the host to be retained (got %d)", len(hosts))
	}
	host := hosts[0]
	if !host.IsDeleted() {
		t.Fatal("Expect the host to be flagged deleted")
	}
	if got := len(host.Addresses()); got != 0 {
		t.Fatal("Expect the address set to be cleared")
	}
	if host.KeyLease() != 7200 {
		t.Fatalf("Expect key-lease 7200 (got %d)", host.KeyLease())
	}
	want := h.clock.Now().Add(7200 * time.Second)
	if !host.KeyExpireTime().Equal(want) {
		t.Fatal("Expect key expiry at rx time + key-lease")
	}

	services := host.Services()
	if len(services) != 1 {
		t.Fatalf("Expect the service name to be retained (got %d services)", len(services))
	}
	if !services[0].IsDeleted() {
		t.Fatal("Expect the service to be flagged deleted")
	}
}

func TestFullRemove(t *testing.T) {
	h := newTestServer(t, false)
	key := registerBaseHost(t, h)

	u := testUpdate{
		msgID:    2,
		hostName: testHostName,
		key:      key,
		lease:    0,
		keyLease: 0,
	}
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)

	if got := len(h.server.Hosts()); got != 0 {
		t.Fatalf("Expect the host to be removed (got %d)", got)
	}
}

func TestFullRemoveNotifiesHandler(t *testing.T) {
	h := newTestServer(t, true)

	u := baseUpdate(h, 1)
	h.deliver(u.build(t))
	ev := h.expectHandlerEvent()
	h.server.HandleServiceUpdateResult(ev.id, ErrorNone)
	expectRcode(t, h, dns.RcodeSuccess)

	remove := testUpdate{
		msgID:    2,
		hostName: testHostName,
		key:      u.key,
		lease:    0,
		keyLease: 0,
	}
	h.deliver(remove.build(t))

	ev = h.expectHandlerEvent()
	if !ev.host.IsDeleted() {
		t.Fatal("Expect the handler to see a deleted host")
	}
	h.server.HandleServiceUpdateResult(ev.id, ErrorNone)
	expectRcode(t, h, dns.RcodeSuccess)

	if got := len(h.server.Hosts()); got != 0 {
		t.Fatalf("Expect the host to be removed (got %d)", got)
	}
}

func TestSubTypeSharesDescription(t *testing.T) {
	h := newTestServer(t, false)

	u := baseUpdate(h, 1)
	u.services = append(u.services, testService{
		serviceType: testSubTypeName,
		instance:    testInstanceName,
		noResources: true,
	})
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)

	host := h.server.Hosts()[0]
	services := host.Services()
	if len(services) != 2 {
		t.Fatalf("Expect 2 services (got %d)", len(services))
	}

	base := host.FindNextService(nil, ServiceFlagBaseType|ServiceFlagActive, "", "")
	sub := host.FindNextService(nil, ServiceFlagSubType|ServiceFlagActive, "", "")
	if base == nil || sub == nil {
		t.Fatal("Expect one base-type and one sub-type service")
	}
	if base.Description() != sub.Description() {
		t.Fatal("Expect both services to share one description")
	}
	if base.Description().Port() != 1234 {
		t.Fatal("Expect the shared description to carry the SRV data")
	}
	if label, ok := sub.SubTypeLabel(); !ok || label != "_s" {
		t.Fatalf("Expect sub-type label _s, got %q", label)
	}
}

func TestMergeUpdatesExistingHost(t *testing.T) {
	h := newTestServer(t, false)
	key := registerBaseHost(t, h)

	u := testUpdate{
		msgID:    2,
		hostName: testHostName,
		addrs:    []string{"fd00::2"},
		key:      key,
		lease:    3600,
		keyLease: 7200,
		services: []testService{{
			serviceType: testServiceType,
			instance:    testInstanceName,
			port:        5678,
			txt:         []string{"v=2"},
		}},
	}
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)

	hosts := h.server.Hosts()
	if len(hosts) != 1 {
		t.Fatalf("Expect 1 host (got %d)", len(hosts))
	}
	host := hosts[0]
	if addrs := host.Addresses(); len(addrs) != 1 || addrs[0] != netip.MustParseAddr("fd00::2") {
		t.Fatal("Expect the address set to be replaced, got", addrs)
	}
	services := host.Services()
	if len(services) != 1 {
		t.Fatalf("Expect 1 service (got %d)", len(services))
	}
	if services[0].Description().Port() != 5678 {
		t.Fatal("Expect the SRV data to be updated")
	}
	if !services[0].IsCommitted() {
		t.Fatal("Expect the merged service to stay committed")
	}
}

func TestServiceRemovalViaClassNone(t *testing.T) {
	h := newTestServer(t, false)
	key := registerBaseHost(t, h)

	u := testUpdate{
		msgID:    2,
		hostName: testHostName,
		addrs:    []string{"fd00::1"},
		key:      key,
		lease:    3600,
		keyLease: 7200,
		services: []testService{{
			serviceType: testServiceType,
			instance:    testInstanceName,
			deleted:     true,
		}},
	}
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)

	host := h.server.Hosts()[0]
	if host.IsDeleted() {
		t.Fatal("Expect the host to stay live")
	}
	services := host.Services()
	if len(services) != 1 {
		t.Fatalf("Expect the service name to be retained (got %d)", len(services))
	}
	if !services[0].IsDeleted() {
		t.Fatal("Expect the service to be flagged deleted")
	}
}

func TestDuplicateUpdateDroppedWhileOutstanding(t *testing.T) {
	h := newTestServer(t, true)

	u := baseUpdate(h, 1)
	buf := u.build(t)

	h.deliver(buf)
	ev := h.expectHandlerEvent()

	// Retransmission from the same peer with the same message id.
	h.deliver(buf)
	h.expectNoHandlerEvent()
	if got := h.transport.responseCount(); got != 0 {
		t.Fatalf("Expect duplicates to be dropped silently (got %d responses)", got)
	}

	h.server.HandleServiceUpdateResult(ev.id, ErrorNone)
	expectRcode(t, h, dns.RcodeSuccess)
	if got := len(h.server.Hosts()); got != 1 {
		t.Fatalf("Expect exactly one registration (got %d)", got)
	}
}

func TestCallbackTimeoutCommits(t *testing.T) {
	h := newTestServer(t, true)

	u := baseUpdate(h, 1)
	h.deliver(u.build(t))
	ev := h.expectHandlerEvent()

	// The advertiser never replies.
	h.clock.Advance(DefaultUpdateTimeout + 100*time.Millisecond)
	h.fireOutstandingTimer()

	resp := h.transport.takeResponse(t)
	if resp.Rcode == dns.RcodeSuccess {
		t.Fatal("Expect the client to see an error response on timeout")
	}
	// The registration is installed regardless; the client retry
	// reconciles the advertiser.
	if got := len(h.server.Hosts()); got != 1 {
		t.Fatalf("Expect the host to be committed (got %d)", got)
	}

	// The late result is discarded.
	h.server.HandleServiceUpdateResult(ev.id, ErrorNone)
	if got := h.transport.responseCount(); got != 0 {
		t.Fatal("Expect a stale result to produce no further response")
	}
}

func TestHandlerFailureRefusesUpdate(t *testing.T) {
	h := newTestServer(t, true)

	u := baseUpdate(h, 1)
	h.deliver(u.build(t))
	ev := h.expectHandlerEvent()
	h.server.HandleServiceUpdateResult(ev.id, ErrorFailed)

	resp := h.transport.takeResponse(t)
	if resp.Rcode != dns.RcodeRefused {
		t.Fatalf("Expect Refused, got %d", resp.Rcode)
	}
	if got := len(h.server.Hosts()); got != 0 {
		t.Fatalf("Expect no registration (got %d)", got)
	}
}

func TestLeaseExpiry(t *testing.T) {
	h := newTestServer(t, false)
	if err := h.server.SetLeaseConfig(LeaseConfig{MinLease: 30, MaxLease: 3600, MinKeyLease: 30, MaxKeyLease: 86400}); err != nil {
		t.Fatal(err)
	}

	u := baseUpdate(h, 1)
	u.lease = 60
	u.keyLease = 120
	h.deliver(u.build(t))
	expectRcode(t, h, dns.RcodeSuccess)

	start := h.clock.Now()

	h.server.mu.Lock()
	fireTime := h.server.leaseTimer.fireTime
	h.server.mu.Unlock()
	if !fireTime.Equal(start.Add(60 * time.Second)) {
		t.Fatal("Expect the lease timer armed at the earliest deadline")
	}

	h.clock.Advance(61 * time.Second)
	h.fireLeaseTimer()

	hosts := h.server.Hosts()
	if len(hosts) != 1 || !hosts[0].IsDeleted() {
		t.Fatal("Expect the host deleted with its name retained")
	}

	h.server.mu.Lock()
	fireTime = h.server.leaseTimer.fireTime
	h.server.mu.Unlock()
	if !fireTime.Equal(start.Add(120 * time.Second)) {
		t.Fatal("Expect the lease timer re-armed at the key-lease deadline")
	}

	h.clock.Advance(60 * time.Second)
	h.fireLeaseTimer()

	if got := len(h.server.Hosts()); got != 0 {
		t.Fatalf("Expect the host fully removed after key-lease expiry (got %d)", got)
	}

	h.server.mu.Lock()
	running := h.server.leaseTimer.running
	h.server.mu.Unlock()
	if running {
		t.Fatal("Expect the lease timer stopped with an empty registry")
	}
}

func TestLeaseExpiryNotifiesHandler(t *testing.T) {
	h := newTestServer(t, true)
	if err := h.server.SetLeaseConfig(LeaseConfig{MinLease: 30, MaxLease: 3600, MinKeyLease: 30, MaxKeyLease: 86400}); err != nil {
		t.Fatal(err)
	}

	u := baseUpdate(h, 1)
	u.lease = 60
	u.keyLease = 120
	h.deliver(u.build(t))
	ev := h.expectHandlerEvent()
	h.server.HandleServiceUpdateResult(ev.id, ErrorNone)
	expectRcode(t, h, dns.RcodeSuccess)

	h.clock.Advance(61 * time.Second)
	h.fireLeaseTimer()

	// Server-initiated removal: notified, not awaited.
	ev = h.expectHandlerEvent()
	if !ev.host.IsDeleted() {
		t.Fatal("Expect the handler to see the deleted host")
	}
	if got := len(h.server.Hosts()); got != 1 {
		t.Fatal("Expect the name-retained host regardless of the handler result")
	}
}

func TestReplicatedMessageGetsNoResponse(t *testing.T) {
	h := newTestServer(t, false)

	u := baseUpdate(h, 1)
	if err := h.server.ProcessReplicatedMessage(u.build(t), h.clock.Now(), testLeaseConfig); err != nil {
		t.Fatal(err)
	}

	if got := h.transport.responseCount(); got != 0 {
		t.Fatalf("Expect no response for a replicated update (got %d)", got)
	}
	if got := len(h.server.Hosts()); got != 1 {
		t.Fatalf("Expect the replicated host to be registered (got %d)", got)
	}
}

func TestStopDrainsRegistry(t *testing.T) {
	h := newTestServer(t, true)

	u := baseUpdate(h, 1)
	h.deliver(u.build(t))
	ev := h.expectHandlerEvent()
	h.server.HandleServiceUpdateResult(ev.id, ErrorNone)
	expectRcode(t, h, dns.RcodeSuccess)

	h.server.SetEnabled(false)

	ev = h.expectHandlerEvent()
	if !ev.host.IsDeleted() {
		t.Fatal("Expect the drained host to be reported deleted")
	}
	if got := len(h.server.Hosts()); got != 0 {
		t.Fatalf("Expect an empty registry (got %d)", got)
	}
	if got := h.server.State(); got != StateDisabled {
		t.Fatal("Expect the server disabled, got", got)
	}
	if h.transport.open {
		t.Fatal("Expect the socket closed")
	}
}

type fakePublisher struct {
	mu          sync.Mutex
	unicast     []uint16
	anycast     []uint8
	unpublished int
}

func (p *fakePublisher) PublishUnicast(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unicast = append(p.unicast, port)
}

func (p *fakePublisher) PublishAnycast(sequenceNumber uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anycast = append(p.anycast, sequenceNumber)
}

func (p *fakePublisher) Unpublish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublished++
}

func TestPublisherDrivenLifecycle(t *testing.T) {
	clock := newTestClock()
	tr := &testTransport{}
	pub := &fakePublisher{}
	s := NewServer(Options{Transport: tr, Publisher: pub, Now: clock.Now})

	if got := s.State(); got != StateDisabled {
		t.Fatal("Expect a new server disabled, got", got)
	}

	s.SetEnabled(true)
	if got := s.State(); got != StateStopped {
		t.Fatal("Expect the server stopped until the entry is confirmed, got", got)
	}
	if len(pub.unicast) != 1 || pub.unicast[0] != UDPPortMin {
		t.Fatal("Expect a unicast publish with the selected port")
	}

	s.HandlePublisherEvent(PublisherEventEntryAdded)
	if got := s.State(); got != StateRunning {
		t.Fatal("Expect the server running after EntryAdded, got", got)
	}
	if !tr.open {
		t.Fatal("Expect the socket open")
	}

	s.HandlePublisherEvent(PublisherEventEntryRemoved)
	if got := s.State(); got != StateStopped {
		t.Fatal("Expect the server stopped after EntryRemoved, got", got)
	}

	s.SetEnabled(false)
	if got := s.State(); got != StateDisabled {
		t.Fatal("Expect the server disabled, got", got)
	}
	if pub.unpublished != 1 {
		t.Fatal("Expect the entry unpublished")
	}
}

func TestAnycastMode(t *testing.T) {
	clock := newTestClock()
	pub := &fakePublisher{}
	s := NewServer(Options{Transport: &testTransport{}, Publisher: pub, Now: clock.Now})

	if err := s.SetAddressMode(AddressModeAnycast); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAnycastSequenceNumber(7); err != nil {
		t.Fatal(err)
	}
	s.SetEnabled(true)

	if got := s.Port(); got != AnycastPort {
		t.Fatalf("Expect the anycast port %d (got %d)", AnycastPort, got)
	}
	if len(pub.anycast) != 1 || pub.anycast[0] != 7 {
		t.Fatal("Expect an anycast publish with the sequence number")
	}
}

func TestConfigurationRequiresDisabledState(t *testing.T) {
	h := newTestServer(t, false)

	if err := h.server.SetDomain("example.com."); err != ErrorInvalidState {
		t.Fatal("Expect ErrorInvalidState, got", err)
	}
	if err := h.server.SetAddressMode(AddressModeAnycast); err != ErrorInvalidState {
		t.Fatal("Expect ErrorInvalidState, got", err)
	}
	if err := h.server.SetAnycastSequenceNumber(1); err != ErrorInvalidState {
		t.Fatal("Expect ErrorInvalidState, got", err)
	}
}

func TestSetDomainAppendsTrailingDot(t *testing.T) {
	s := NewServer(Options{})
	if err := s.SetDomain("example.com"); err != nil {
		t.Fatal(err)
	}
	if got := s.Domain(); got != "example.com." {
		t.Fatal("Expect a trailing dot, got", got)
	}
	if err := s.SetDomain(""); err != ErrorInvalidArgs {
		t.Fatal("Expect ErrorInvalidArgs for an empty domain, got", err)
	}
}

type memSettings struct {
	mu    sync.Mutex
	port  uint16
	ok    bool
	saves int
}

func (m *memSettings) ReadServerPort() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ok {
		return 0, errors.New("not found")
	}
	return m.port, nil
}

func (m *memSettings) SaveServerPort(port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.port, m.ok, m.saves = port, true, m.saves+1
	return nil
}

func TestPortSwitch(t *testing.T) {
	clock := newTestClock()
	settings := &memSettings{}

	s := NewServer(Options{Transport: &testTransport{}, Settings: settings, PortSwitch: true, Now: clock.Now})
	tr := s.transport.(*testTransport)
	s.SetEnabled(true)
	if got := s.Port(); got != UDPPortMin {
		t.Fatalf("Expect the first run on port %d (got %d)", UDPPortMin, got)
	}

	u := testUpdate{
		msgID:    1,
		hostName: testHostName,
		addrs:    []string{"fd00::1"},
		key:      newTestKey(t),
		lease:    3600,
		keyLease: 7200,
	}
	tr.deliver(u.build(t), testPeer)
	tr.takeResponse(t)

	if settings.saves != 1 || settings.port != UDPPortMin {
		t.Fatal("Expect the port persisted on the first registration")
	}
	s.SetEnabled(false)

	// Next run selects one past the persisted port.
	s2 := NewServer(Options{Transport: &testTransport{}, Settings: settings, PortSwitch: true, Now: clock.Now})
	s2.SetEnabled(true)
	if got := s2.Port(); got != UDPPortMin+1 {
		t.Fatalf("Expect port %d (got %d)", UDPPortMin+1, got)
	}

	// Outside the port window the selection wraps back.
	settings.port = UDPPortMax
	s3 := NewServer(Options{Transport: &testTransport{}, Settings: settings, PortSwitch: true, Now: clock.Now})
	s3.SetEnabled(true)
	if got := s3.Port(); got != UDPPortMin {
		t.Fatalf("Expect port %d (got %d)", UDPPortMin, got)
	}
}

type fakeDnssd struct {
	mu   sync.Mutex
	port uint16
	sent []*dns.Msg
}

func (d *fakeDnssd) Port() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

func (d *fakeDnssd) Send(buf []byte, peer netip.AddrPort) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func TestDnssdSocketSharing(t *testing.T) {
	clock := newTestClock()
	tr := &testTransport{}
	dnssd := &fakeDnssd{port: UDPPortMin}
	s := NewServer(Options{Transport: tr, Dnssd: dnssd, Now: clock.Now})
	s.SetEnabled(true)

	if tr.open {
		t.Fatal("Expect no own socket while sharing the DNS-SD socket")
	}

	u := testUpdate{
		msgID:    1,
		hostName: testHostName,
		addrs:    []string{"fd00::1"},
		key:      newTestKey(t),
		lease:    3600,
		keyLease: 7200,
	}
	if err := s.HandleDnssdMessage(u.build(t), testPeer); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Hosts()); got != 1 {
		t.Fatalf("Expect the forwarded update to be registered (got %d)", got)
	}

	dnssd.mu.Lock()
	sent := len(dnssd.sent)
	dnssd.mu.Unlock()
	if sent != 1 {
		t.Fatal("Expect the response to go out through the DNS-SD socket")
	}

	// The DNS-SD server moves off our port; we take our own socket back.
	dnssd.mu.Lock()
	dnssd.port = UDPPortMin + 5
	dnssd.mu.Unlock()
	s.HandleDnssdStateChange()

	if !tr.open {
		t.Fatal("Expect an own socket once the port is no longer shared")
	}
	if err := s.HandleDnssdMessage(u.build(t), testPeer); err != ErrorDrop {
		t.Fatal("Expect ErrorDrop once we own the socket, got", err)
	}
}
