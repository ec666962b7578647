/*
Package protocol implements the core of an SRP (Service Registration
Protocol) server: a DNS-UPDATE-based service registry for constrained
mesh networks.

Clients register a host (a name, IPv6 addresses and an ECDSA P-256
public key) together with one or more service instances by sending a
signed DNS UPDATE message. The server validates the update, grants a
bounded lease, stores the registration in its in-memory registry and
forwards the effective change to an external mDNS advertiser through a
service-update handler. Expiry of leases and key-leases is driven by a
single earliest-deadline timer.

The Server is single-writer: every external event (datagram, timer fire,
publisher notification, advertiser result) runs to completion under one
mutex, so registry mutations are atomic from an observer's view.
*/
package protocol
