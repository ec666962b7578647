package srpserver

import (
	"github.com/ubieda/srp-go/storage/kv"
	"github.com/ubieda/srp-go/utils"
)

// serverInfoKey is the stable key under which the server's listening
// port is persisted for the port-switch mitigation.
var serverInfoKey = []byte("srp_server_info")

// kvSettings adapts a kv.DB to the protocol's Settings interface.
type kvSettings struct {
	db kv.DB
}

func newKVSettings(db kv.DB) *kvSettings {
	return &kvSettings{db: db}
}

func (s *kvSettings) ReadServerPort() (uint16, error) {
	value, err := s.db.Get(serverInfoKey)
	if err != nil {
		return 0, err
	}
	return utils.BytesToUInt16(value)
}

func (s *kvSettings) SaveServerPort(port uint16) error {
	return s.db.Put(serverInfoKey, utils.UInt16ToBytes(port))
}
