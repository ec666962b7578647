// Package srpserver assembles a runnable SRP server from the protocol
// core: TOML configuration, zap logging, a UDP socket, levelDB-backed
// settings and default publisher/advertiser implementations for
// deployments without a Thread network-data publisher or an external
// mDNS stack.
package srpserver

import (
	"time"

	"github.com/ubieda/srp-go/application"
	"github.com/ubieda/srp-go/protocol"
	"github.com/ubieda/srp-go/storage/kv"
	"github.com/ubieda/srp-go/storage/kv/leveldbkv"
)

// A Server wraps the protocol server with its runtime dependencies.
type Server struct {
	srp    *protocol.Server
	logger *application.Logger
	db     kv.DB
}

// NewServer builds a server from conf. The service-update handler
// defaults to one that accepts every change and logs it; callers with a
// real advertiser install their own via SRP().SetServiceHandler before
// Run.
func NewServer(conf *Config) (*Server, error) {
	logger := application.NewLogger(conf.Logger)

	mode, err := conf.addressMode()
	if err != nil {
		return nil, err
	}

	var db kv.DB
	var settings protocol.Settings
	if conf.DatabasePath != "" {
		db, err = leveldbkv.OpenDB(conf.DatabasePath)
		if err != nil {
			return nil, err
		}
		settings = newKVSettings(db)
	}

	publisher := &localPublisher{}

	srp := protocol.NewServer(protocol.Options{
		Logger:        logger.Sugar(),
		Publisher:     publisher,
		Settings:      settings,
		Transport:     new(udpTransport),
		UpdateTimeout: time.Duration(conf.UpdateTimeoutMs) * time.Millisecond,
		PortSwitch:    conf.PortSwitch,
	})
	publisher.server = srp

	if err := srp.SetDomain(conf.Domain); err != nil {
		return nil, err
	}
	if err := srp.SetAddressMode(mode); err != nil {
		return nil, err
	}
	if err := srp.SetAnycastSequenceNumber(conf.AnycastSequenceNumber); err != nil {
		return nil, err
	}
	if err := srp.SetLeaseConfig(conf.Leases); err != nil {
		return nil, err
	}

	server := &Server{srp: srp, logger: logger, db: db}
	srp.SetServiceHandler(server.advertise)
	return server, nil
}

// SRP returns the underlying protocol server.
func (server *Server) SRP() *protocol.Server {
	return server.srp
}

// Run enables the server; it listens once the publisher confirms the
// address-service entry.
func (server *Server) Run() {
	server.srp.SetEnabled(true)
}

// Shutdown disables the server and releases its resources.
func (server *Server) Shutdown() error {
	server.srp.SetEnabled(false)
	if server.db != nil {
		return server.db.Close()
	}
	return nil
}

// advertise is the default service-update handler: it logs the change
// and accepts it immediately. A real deployment mirrors the host into
// mDNS here and reports the outcome instead.
func (server *Server) advertise(id uint32, host *protocol.Host, timeout time.Duration) {
	server.logger.Info("advertise host",
		"host", host.FullName(),
		"deleted", host.IsDeleted(),
		"services", len(host.Services()))
	server.srp.HandleServiceUpdateResult(id, protocol.ErrorNone)
}

// localPublisher stands in for the Thread network-data publisher: the
// published entry is confirmed as soon as it is requested.
type localPublisher struct {
	server *protocol.Server
}

func (p *localPublisher) PublishUnicast(port uint16) {
	p.server.HandlePublisherEvent(protocol.PublisherEventEntryAdded)
}

func (p *localPublisher) PublishAnycast(sequenceNumber uint8) {
	p.server.HandlePublisherEvent(protocol.PublisherEventEntryAdded)
}

func (p *localPublisher) Unpublish() {
	p.server.HandlePublisherEvent(protocol.PublisherEventEntryRemoved)
}
