package srpserver

import (
	"fmt"

	"github.com/ubieda/srp-go/application"
	"github.com/ubieda/srp-go/protocol"
	"github.com/ubieda/srp-go/utils"
)

// A Config contains the configuration values of an SRP server
// executable, read at initialization time from a TOML format
// configuration file.
type Config struct {
	*application.CommonConfig

	// Domain is the domain the server is authoritative for.
	Domain string `toml:"domain"`
	// AddressMode selects "unicast" or "anycast" publishing.
	AddressMode string `toml:"address_mode"`
	// AnycastSequenceNumber is advertised in anycast mode.
	AnycastSequenceNumber uint8 `toml:"anycast_sequence_number,omitempty"`
	// PortSwitch persists the listening port and starts one past it on
	// the next run.
	PortSwitch bool `toml:"port_switch"`
	// UpdateTimeoutMs overrides the advertiser callback timeout.
	UpdateTimeoutMs uint32 `toml:"update_timeout_ms,omitempty"`
	// DatabasePath locates the levelDB directory backing persistent
	// settings. Empty disables persistence.
	DatabasePath string `toml:"database,omitempty"`
	// Leases bounds the granted lease and key-lease intervals.
	Leases protocol.LeaseConfig `toml:"leases"`
}

var _ application.AppConfig = (*Config)(nil)

// NewConfig returns a config with the default domain, lease bounds and
// logger settings, rooted at the given file path.
func NewConfig(file string) *Config {
	return &Config{
		CommonConfig: application.NewCommonConfig(file, "toml", &application.LoggerConfig{
			Environment: "production",
		}),
		Domain:      protocol.DefaultDomain,
		AddressMode: protocol.AddressModeUnicast.String(),
		PortSwitch:  true,
		Leases:      protocol.DefaultLeaseConfig(),
	}
}

// Load initializes the config from the given file.
func (conf *Config) Load(file, encoding string) error {
	conf.CommonConfig = application.NewCommonConfig(file, encoding, nil)
	conf.Domain = protocol.DefaultDomain
	conf.AddressMode = protocol.AddressModeUnicast.String()
	conf.Leases = protocol.DefaultLeaseConfig()
	if err := conf.GetLoader().Decode(conf); err != nil {
		return err
	}
	if _, err := conf.addressMode(); err != nil {
		return err
	}
	if !conf.Leases.IsValid() {
		return fmt.Errorf("Invalid lease configuration in %s", file)
	}
	if conf.DatabasePath != "" {
		conf.DatabasePath = utils.ResolvePath(conf.DatabasePath, file)
	}
	return nil
}

// Save persists the config to its file path.
func (conf *Config) Save() error {
	return conf.GetLoader().Encode(conf)
}

// GetPath returns the config's file path.
func (conf *Config) GetPath() string {
	return conf.Path
}

func (conf *Config) addressMode() (protocol.AddressMode, error) {
	switch conf.AddressMode {
	case "", "unicast":
		return protocol.AddressModeUnicast, nil
	case "anycast":
		return protocol.AddressModeAnycast, nil
	}
	return 0, fmt.Errorf("Unknown address mode %q", conf.AddressMode)
}
