// Package config reads the controller configuration file and turns it into
// the configurations of the engines.
package config

import (
	"io/ioutil"
	"os"

	"github.com/blang/semver"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/llc"
	"github.com/rigado/llc/clock"
	"github.com/rigado/llc/conn"
	"github.com/rigado/llc/controller"
	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/scan"
)

// File is the content of a configuration file. Zero fields keep their
// defaults.
type File struct {
	// CoreVersion is the Bluetooth core version the controller reports,
	// as "major.minor".
	CoreVersion string `json:"coreVersion"`
	CompanyID   uint16 `json:"companyId"`
	SubVersion  uint16 `json:"subVersion"`
	Address     string `json:"address"`

	MaxConns       int    `json:"maxConns"`
	AcceptListSize int    `json:"acceptListSize"`
	DedupSize      int    `json:"dedupSize"`
	ACLBuffers     int    `json:"aclBuffers"`
	LocalPPM       uint16 `json:"localPpm"`
	Seed           int64  `json:"seed"`
	// ResponseTimeoutMs bounds the wait for LLCP answers.
	ResponseTimeoutMs int `json:"responseTimeoutMs"`

	Transport Transport `json:"transport"`

	// Advertisers populate the simulated world.
	Advertisers []Advertiser `json:"advertisers,omitempty"`
}

// Transport selects the host link.
type Transport struct {
	Kind string `json:"kind"`
	Port string `json:"port,omitempty"`
	Baud uint   `json:"baud,omitempty"`
}

// Transport kinds
const (
	TransportUART = "uart"
	TransportVHCI = "vhci"
)

// Default returns the configuration used when no file exists.
func Default() File {
	return File{
		CoreVersion:       "5.2",
		CompanyID:         0xffff,
		Address:           "c0:de:c0:de:00:01",
		MaxConns:          4,
		AcceptListSize:    8,
		DedupSize:         8,
		ACLBuffers:        8,
		LocalPPM:          50,
		Seed:              1,
		ResponseTimeoutMs: 40000,
		Transport:         Transport{Kind: TransportVHCI},
	}
}

// Load reads filename over the defaults. A missing file yields Default.
func Load(filename string) (File, error) {
	f := Default()
	_, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return f, nil
	}

	in, err := ioutil.ReadFile(filename)
	if err != nil {
		return File{}, errors.Wrapf(err, "can't read %v", filename)
	}
	if err := jsoniter.Unmarshal(in, &f); err != nil {
		return File{}, errors.Wrapf(err, "can't parse %v", filename)
	}
	if err := f.validate(); err != nil {
		return File{}, errors.Wrapf(err, "invalid configuration %v", filename)
	}
	return f, nil
}

// Store writes f to filename.
func Store(filename string, f File) error {
	out, err := jsoniter.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, out, 0644)
}

func (f File) validate() error {
	if _, err := f.VersNr(); err != nil {
		return err
	}
	if _, err := f.Addr(); err != nil {
		return err
	}
	switch {
	case f.MaxConns <= 0:
		return errors.Errorf("invalid maxConns %d", f.MaxConns)
	case f.AcceptListSize <= 0 || f.AcceptListSize > 255:
		return errors.Errorf("invalid acceptListSize %d", f.AcceptListSize)
	case f.DedupSize <= 0:
		return errors.Errorf("invalid dedupSize %d", f.DedupSize)
	case f.ACLBuffers <= 0 || f.ACLBuffers > 255:
		return errors.Errorf("invalid aclBuffers %d", f.ACLBuffers)
	case f.ResponseTimeoutMs <= 0:
		return errors.Errorf("invalid responseTimeoutMs %d", f.ResponseTimeoutMs)
	}
	switch f.Transport.Kind {
	case TransportUART:
		if f.Transport.Port == "" {
			return errors.New("uart transport without port")
		}
	case TransportVHCI:
	default:
		return errors.Errorf("unknown transport %q", f.Transport.Kind)
	}
	for i, a := range f.Advertisers {
		if err := a.validate(); err != nil {
			return errors.Wrapf(err, "advertiser %d", i)
		}
	}
	return nil
}

// versions maps core versions to the LL version numbers of the assigned
// numbers document.
var versions = []struct {
	v  semver.Version
	nr uint8
}{
	{semver.MustParse("4.0.0"), 6},
	{semver.MustParse("4.1.0"), 7},
	{semver.MustParse("4.2.0"), 8},
	{semver.MustParse("5.0.0"), 9},
	{semver.MustParse("5.1.0"), 10},
	{semver.MustParse("5.2.0"), 11},
	{semver.MustParse("5.3.0"), 12},
	{semver.MustParse("5.4.0"), 13},
}

// VersNr returns the LL version number of CoreVersion. Patch levels are
// ignored.
func (f File) VersNr() (uint8, error) {
	v, err := semver.ParseTolerant(f.CoreVersion)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid coreVersion %q", f.CoreVersion)
	}
	v.Patch = 0
	v.Pre = nil
	v.Build = nil
	for _, e := range versions {
		if v.Equals(e.v) {
			return e.nr, nil
		}
	}
	return 0, errors.Errorf("unsupported coreVersion %v", f.CoreVersion)
}

// Addr returns the public device address.
func (f File) Addr() (llc.Addr, error) {
	return llc.NewAddr(f.Address, llc.AddrPublic)
}

// LLCP returns the procedure configuration.
func (f File) LLCP() (llcp.Config, error) {
	c := llcp.DefaultConfig()
	nr, err := f.VersNr()
	if err != nil {
		return c, err
	}
	c.VersNr = nr
	c.CompID = f.CompanyID
	c.SubVersNr = f.SubVersion
	c.ResponseTimeout = clock.Duration(f.ResponseTimeoutMs) * clock.Millisecond
	if nr < 9 {
		// no 2M PHY and no CSA#2 before 5.0
		c.Features &^= llcp.Feature2MPHY | llcp.FeatureCSA2
		c.DefaultTxPHYs = pdu.PHYMask1M
		c.DefaultRxPHYs = pdu.PHYMask1M
	}
	return c, nil
}

// Conn returns the connection engine configuration.
func (f File) Conn() (conn.Config, error) {
	c := conn.DefaultConfig()
	l, err := f.LLCP()
	if err != nil {
		return c, err
	}
	c.MaxConns = f.MaxConns
	c.LocalPPM = f.LocalPPM
	c.LLCP = l
	return c, nil
}

// Scan returns the scan engine configuration.
func (f File) Scan() scan.Config {
	c := scan.DefaultConfig()
	c.DedupSize = f.DedupSize
	c.Seed = f.Seed
	c.LocalPPM = f.LocalPPM
	return c
}

// Controller returns the configuration of a controller.
func (f File) Controller() (controller.Config, error) {
	c := controller.DefaultConfig()
	a, err := f.Addr()
	if err != nil {
		return c, err
	}
	cc, err := f.Conn()
	if err != nil {
		return c, err
	}
	c.Addr = a
	c.AcceptListSize = f.AcceptListSize
	c.ACLBuffers = f.ACLBuffers
	c.Conn = cc
	c.Scan = f.Scan()
	return c, nil
}
