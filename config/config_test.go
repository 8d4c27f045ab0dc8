package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/rigado/llc/llcp"
	"github.com/rigado/llc/pdu"
	"github.com/rigado/llc/radio"
)

func TestLoadMissing(t *testing.T) {
	f, err := Load("./does-not-exist.json")
	if err != nil {
		t.Fatalf("expected nil error but got %s instead", err)
	}
	if f.MaxConns != Default().MaxConns || f.CoreVersion != "5.2" {
		t.Fatalf("expected defaults, got %+v", f)
	}
}

func TestStoreLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "llc")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	name := filepath.Join(dir, "llc.json")

	f := Default()
	f.MaxConns = 2
	f.Transport = Transport{Kind: TransportUART, Port: "/dev/ttyUSB0", Baud: 115200}
	f.Advertisers = []Advertiser{{Addr: "11:22:33:44:55:66", Random: true, Kind: "adv_ind", Data: []byte{2, 1, 6}, Connectable: true}}
	if err := Store(name, f); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(name)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.MaxConns != 2 || loaded.Transport.Port != "/dev/ttyUSB0" || len(loaded.Advertisers) != 1 {
		t.Fatalf("unexpected configuration %+v", loaded)
	}
	if string(loaded.Advertisers[0].Data) != string([]byte{2, 1, 6}) {
		t.Fatalf("advertising data lost: %v", loaded.Advertisers[0].Data)
	}
}

func TestLoadPartial(t *testing.T) {
	dir, err := ioutil.TempDir("", "llc")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	name := filepath.Join(dir, "llc.json")

	if err := ioutil.WriteFile(name, []byte(`{"coreVersion": "4.2", "maxConns": 1}`), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(name)
	if err != nil {
		t.Fatal(err)
	}
	if f.MaxConns != 1 || f.DedupSize != Default().DedupSize {
		t.Fatalf("unexpected configuration %+v", f)
	}

	if err := ioutil.WriteFile(name, []byte(`{"coreVersion": "3.0"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(name); err == nil {
		t.Fatal("expected error for unsupported version")
	}

	if err := ioutil.WriteFile(name, []byte(`{"transport": {"kind": "uart"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(name); err == nil {
		t.Fatal("expected error for uart without port")
	}
}

func TestVersNr(t *testing.T) {
	for _, tc := range []struct {
		in string
		nr uint8
	}{
		{"4.0", 6},
		{"4.2", 8},
		{"5.0", 9},
		{"5.2", 11},
		{"5.2.1", 11},
		{"v5.3", 12},
	} {
		f := File{CoreVersion: tc.in}
		nr, err := f.VersNr()
		if err != nil {
			t.Fatalf("%v: %v", tc.in, err)
		}
		if nr != tc.nr {
			t.Fatalf("%v: expected %d, got %d", tc.in, tc.nr, nr)
		}
	}
	for _, in := range []string{"", "five", "6.0"} {
		if _, err := (File{CoreVersion: in}).VersNr(); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestLLCPFeatures(t *testing.T) {
	f := Default()
	f.CoreVersion = "4.2"
	c, err := f.LLCP()
	if err != nil {
		t.Fatal(err)
	}
	if c.VersNr != 8 || c.Features&llcp.Feature2MPHY != 0 || c.Features&llcp.FeatureCSA2 != 0 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.DefaultTxPHYs != pdu.PHYMask1M {
		t.Fatalf("unexpected default PHYs %d", c.DefaultTxPHYs)
	}

	cc, err := Default().Conn()
	if err != nil {
		t.Fatal(err)
	}
	if cc.MaxConns != 4 || cc.LLCP.VersNr != 11 {
		t.Fatalf("unexpected conn config %+v", cc)
	}
}

func TestPopulate(t *testing.T) {
	f := Default()
	f.Advertisers = []Advertiser{
		{Addr: "11:22:33:44:55:66", Kind: "adv_scan_ind", ScanRsp: []byte{1}},
		{Addr: "11:22:33:44:55:77", Random: true, Kind: "ext_conn", SID: 2, Connectable: true},
	}
	w := radio.NewWorld()
	if err := f.Populate(w); err != nil {
		t.Fatal(err)
	}

	r, err := f.Advertisers[1].Radio()
	if err != nil {
		t.Fatal(err)
	}
	if !r.Extended || r.Mode != pdu.ModeConnectable || r.Peripheral == nil || !r.Addr.Type.Random() {
		t.Fatalf("unexpected advertiser %+v", r)
	}

	f.Advertisers = []Advertiser{{Addr: "11:22:33:44:55:66", Kind: "beacon"}}
	if err := f.Populate(w); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestControllerConfig(t *testing.T) {
	f := Default()
	f.ACLBuffers = 3
	f.MaxConns = 2
	c, err := f.Controller()
	if err != nil {
		t.Fatal(err)
	}
	if c.ACLBuffers != 3 || c.Conn.MaxConns != 2 || c.Scan.Seed != f.Seed {
		t.Fatalf("unexpected controller configuration %+v", c)
	}
	if c.Addr.String() != "c0:de:c0:de:00:01" {
		t.Fatalf("unexpected address %v", c.Addr)
	}
}

func TestAdvertiserData(t *testing.T) {
	a := Advertiser{Addr: "11:22:33:44:55:66", Kind: "adv_ind", Data: []byte{0x02, 0x01, 0x06, 0x05, 0x09, 'a'}}
	if err := a.validate(); err == nil {
		t.Fatal("expected error for truncated name")
	}
	a.Data = []byte{0x02, 0x01, 0x06, 0x02, 0x09, 'a'}
	if err := a.validate(); err != nil {
		t.Fatal(err)
	}
}
