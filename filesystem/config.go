/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 15:02:40 2019 mstenber
 * Last modified: Fri Mar 15 16:31:07 2019 mstenber
 * Edit time:     22 min
 *
 */

package filesystem

import (
	"github.com/fingon/go-lsfs/codec"
	"github.com/fingon/go-lsfs/crypt"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/storage/factory"
)

const DefaultDeviceSize uint64 = 1 << 30

// Configuration of a filesystem instance. The mapstructure names are
// the keys of the configuration file (and LSFS_ environment
// variables) of the command line tool.
type Configuration struct {
	BackendName string `mapstructure:"backend"`
	Directory   string `mapstructure:"dir"`

	// BackendPassword encrypts everything written to the backend.
	BackendPassword string `mapstructure:"backend_password"`

	// DeviceSize is used only by Format; mount uses the formatted
	// size.
	DeviceSize uint64 `mapstructure:"device_size"`

	JournalUsageMultiplier uint64 `mapstructure:"journal_multiplier"`
	JournalReservedSpace   uint64 `mapstructure:"journal_reserved"`

	CacheSize   int    `mapstructure:"cache_size"`
	Compression string `mapstructure:"compression"`

	// Password, if any, is used for the encrypted volumes.
	Password   string `mapstructure:"password"`
	Salt       string `mapstructure:"salt"`
	Iterations int    `mapstructure:"iterations"`

	// Backend overrides BackendName and Directory.
	Backend storage.Backend `mapstructure:"-"`
}

func (self *Configuration) backend(ct codec.CompressionType) (storage.Backend, error) {
	if self.Backend != nil {
		return self.Backend, nil
	}
	name := self.BackendName
	if name == "" {
		name = "inmemory"
	}
	if self.BackendPassword == "" {
		return factory.New(name, self.Directory)
	}
	return factory.NewCodecBackend(factory.CodecBackendConfiguration{
		BackendConfiguration: storage.BackendConfiguration{Directory: self.Directory},
		BackendName:          name,
		Password:             self.BackendPassword,
		Salt:                 self.Salt,
		Iterations:           self.Iterations,
		CompressionType:      ct})
}

func (self *Configuration) crypt() crypt.Crypt {
	if self.Password == "" {
		return nil
	}
	return crypt.PasswordCrypt{Password: self.Password, Salt: self.Salt,
		Iterations: self.Iterations}.Init()
}
