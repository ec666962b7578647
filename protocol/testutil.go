package protocol

import (
	"encoding/base64"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/ubieda/srp-go/crypto/sig0"
	"github.com/ubieda/srp-go/crypto/sign"
)

// Test fixtures for exercising the server without sockets or real
// clocks: a fake clock, an in-memory transport, a channel-backed
// service-update handler, and builders for signed SRP update messages.

var testPeer = netip.MustParseAddrPort("[fd00::2]:51234")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testTransport struct {
	mu   sync.Mutex
	open bool
	port uint16
	recv func(buf []byte, peer netip.AddrPort)
	sent []*dns.Msg
}

func (tr *testTransport) Open(port uint16, recv func(buf []byte, peer netip.AddrPort)) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.open = true
	tr.port = port
	tr.recv = recv
	return nil
}

func (tr *testTransport) Send(buf []byte, peer netip.AddrPort) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = append(tr.sent, msg)
	return nil
}

func (tr *testTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.open = false
	return nil
}

func (tr *testTransport) deliver(buf []byte, peer netip.AddrPort) {
	tr.mu.Lock()
	recv := tr.recv
	tr.mu.Unlock()
	recv(buf, peer)
}

func (tr *testTransport) takeResponse(t *testing.T) *dns.Msg {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) == 0 {
		t.Fatal("Expect a response to have been sent")
	}
	msg := tr.sent[0]
	tr.sent = tr.sent[1:]
	return msg
}

func (tr *testTransport) responseCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.sent)
}

type handlerEvent struct {
	id   uint32
	host *Host
}

type testHarness struct {
	t         *testing.T
	server    *Server
	clock     *testClock
	transport *testTransport
	events    chan handlerEvent
}

// newTestServer creates an enabled, running server on a fake clock and
// an in-memory transport. withHandler installs a channel-backed
// service-update handler; without it, updates commit directly.
func newTestServer(t *testing.T, withHandler bool) *testHarness {
	t.Helper()

	h := &testHarness{
		t:         t,
		clock:     newTestClock(),
		transport: &testTransport{},
		events:    make(chan handlerEvent, 16),
	}
	h.server = NewServer(Options{
		Transport: h.transport,
		Now:       h.clock.Now,
	})
	if withHandler {
		h.server.SetServiceHandler(func(id uint32, host *Host, timeout time.Duration) {
			h.events <- handlerEvent{id: id, host: host}
		})
	}
	h.server.SetEnabled(true)
	if got := h.server.State(); got != StateRunning {
		t.Fatalf("Expect server running, got %v", got)
	}
	return h
}

func (h *testHarness) deliver(buf []byte) {
	h.transport.deliver(buf, testPeer)
}

// expectHandlerEvent waits for the service-update handler to be called.
func (h *testHarness) expectHandlerEvent() handlerEvent {
	h.t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("Expect the service update handler to be notified")
		return handlerEvent{}
	}
}

func (h *testHarness) expectNoHandlerEvent() {
	h.t.Helper()
	select {
	case ev := <-h.events:
		h.t.Fatalf("Expect no handler notification, got update %d", ev.id)
	case <-time.After(50 * time.Millisecond):
	}
}

// fireLeaseTimer runs the lease expiry walk at the fake clock's now.
func (h *testHarness) fireLeaseTimer() {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	h.server.handleLeaseTimer()
}

// fireOutstandingTimer runs the outstanding-updates timeout sweep.
func (h *testHarness) fireOutstandingTimer() {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	h.server.handleOutstandingUpdatesTimer()
}

func newTestKey(t *testing.T) *sign.PrivateKey {
	t.Helper()
	key, err := sign.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// testService describes one service instruction of a test update.
type testService struct {
	serviceType string // full type name, may include "._sub."
	instance    string
	port        uint16
	txt         []string
	deleted     bool // emit the PTR with CLASS NONE
	noResources bool // omit SRV/TXT records
	omitSrv     bool // emit TXT without SRV
}

// testUpdate describes a signed SRP update message.
type testUpdate struct {
	msgID    uint16
	domain   string
	hostName string
	addrs    []string
	key      *sign.PrivateKey
	lease    uint32
	keyLease uint32
	services []testService

	omitKey       bool
	extraKey      *sign.PrivateKey // emit a second, conflicting KEY record
	omitLease     bool
	omitSignature bool
	badSigner     *sign.PrivateKey // sign with this key instead
	prerequisites int
}

func (u *testUpdate) domainName() string {
	if u.domain == "" {
		return DefaultDomain
	}
	return u.domain
}

func deleteAllRecord(name string) dns.RR {
	return &dns.ANY{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeANY, Class: dns.ClassANY, Ttl: 0}}
}

func keyRecord(name string, key *sign.PrivateKey, ttl uint32) *dns.KEY {
	return &dns.KEY{DNSKEY: dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: name, Rrtype: dns.TypeKEY, Class: dns.ClassINET, Ttl: ttl},
		Flags:     0x0200,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
		PublicKey: base64.StdEncoding.EncodeToString(key.Public()),
	}}
}

// build packs and signs the update message.
func (u *testUpdate) build(t *testing.T) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.Id = u.msgID
	m.Opcode = dns.OpcodeUpdate
	m.Question = []dns.Question{{Name: u.domainName(), Qtype: dns.TypeSOA, Qclass: dns.ClassINET}}

	ttl := u.lease
	if ttl == 0 {
		ttl = u.keyLease
	}

	for i := 0; i < u.prerequisites; i++ {
		m.Answer = append(m.Answer, deleteAllRecord(u.hostName))
	}

	// Service Discovery and Service Description Instructions.
	for _, svc := range u.services {
		class := uint16(dns.ClassINET)
		if svc.deleted {
			class = dns.ClassNONE
		}
		m.Ns = append(m.Ns, &dns.PTR{
			Hdr: dns.RR_Header{Name: svc.serviceType, Rrtype: dns.TypePTR, Class: class, Ttl: ttl},
			Ptr: svc.instance,
		})
		if svc.deleted {
			// An instance removal clears the instance's RRsets too.
			m.Ns = append(m.Ns, deleteAllRecord(svc.instance))
			continue
		}
		if svc.noResources {
			continue
		}
		m.Ns = append(m.Ns, deleteAllRecord(svc.instance))
		if !svc.omitSrv {
			m.Ns = append(m.Ns, &dns.SRV{
				Hdr:    dns.RR_Header{Name: svc.instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl},
				Target: u.hostName,
				Port:   svc.port,
			})
		}
		txt := svc.txt
		if txt == nil {
			txt = []string{"k=v"}
		}
		m.Ns = append(m.Ns, &dns.TXT{
			Hdr: dns.RR_Header{Name: svc.instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
			Txt: txt,
		})
	}

	// Host Description Instruction.
	m.Ns = append(m.Ns, deleteAllRecord(u.hostName))
	for _, addr := range u.addrs {
		m.Ns = append(m.Ns, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: u.hostName, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
			AAAA: net.ParseIP(addr),
		})
	}
	if !u.omitKey {
		m.Ns = append(m.Ns, keyRecord(u.hostName, u.key, ttl))
	}
	if u.extraKey != nil {
		m.Ns = append(m.Ns, keyRecord(u.hostName, u.extraKey, ttl))
	}

	if !u.omitLease {
		opt := &dns.OPT{
			Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT},
			Option: []dns.EDNS0{&dns.EDNS0_UL{
				Code:     dns.EDNS0UL,
				Lease:    u.lease,
				KeyLease: u.keyLease,
			}},
		}
		m.Extra = []dns.RR{opt}
	}

	buf, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}

	if u.omitSignature {
		return buf
	}

	signer := u.key
	if u.badSigner != nil {
		signer = u.badSigner
	}
	buf, err = sig0.Append(buf, signer, u.hostName)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}
