package config

import (
	"testing"
	"time"

	"github.com/aterrichi/ikedaemon/protocol"
)

func validParams() Params {
	return Params{
		Psk:    "correct horse battery staple",
		LocalId: "left.example.com",
		PeerId:  "right.example.com",
		Ike:    protocol.IKE_AES256_CBC_SHA256_DH2048,
		Protect: []ProtectParams{
			{
				MySubnet:   "10.0.1.0/24",
				PeerSubnet: "10.0.2.0/24",
				Esp:        protocol.ESP_AES256_CBC_SHA256,
			},
		},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(validParams())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Lifetime != defaultIkeLifetime {
		t.Errorf("Lifetime = %v, want default %v", cfg.Lifetime, defaultIkeLifetime)
	}
	if cfg.Dpd != defaultDpdInterval {
		t.Errorf("Dpd = %v, want default %v", cfg.Dpd, defaultDpdInterval)
	}
	if len(cfg.Protect) != 1 {
		t.Fatalf("expected 1 protected subnet, got %d", len(cfg.Protect))
	}
	if cfg.Protect[0].Lifetime != defaultChildLifetime {
		t.Errorf("child Lifetime = %v, want default %v", cfg.Protect[0].Lifetime, defaultChildLifetime)
	}
	if cfg.Protect[0].IpsecProto != protocol.PROTO_ESP {
		t.Errorf("IpsecProto = %v, want ESP", cfg.Protect[0].IpsecProto)
	}
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	p := validParams()
	p.LifetimeSeconds = 120
	p.DpdSeconds = 10
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Lifetime != 120*time.Second {
		t.Errorf("Lifetime = %v, want 120s", cfg.Lifetime)
	}
	if cfg.Dpd != 10*time.Second {
		t.Errorf("Dpd = %v, want 10s", cfg.Dpd)
	}
}

func TestLoadRejectsEmptyPsk(t *testing.T) {
	p := validParams()
	p.Psk = ""
	if _, err := Load(p); err == nil {
		t.Error("expected an error for an empty PSK")
	}
}

func TestLoadRejectsNoProtectedSubnets(t *testing.T) {
	p := validParams()
	p.Protect = nil
	if _, err := Load(p); err == nil {
		t.Error("expected an error with no protected subnets")
	}
}

func TestLoadRejectsInvalidSubnet(t *testing.T) {
	p := validParams()
	p.Protect[0].MySubnet = "not-an-address"
	if _, err := Load(p); err == nil {
		t.Error("expected an error for an invalid subnet")
	}
}

func TestLoadAcceptsBareAddressAsSlash32(t *testing.T) {
	p := validParams()
	p.Protect[0].MySubnet = "192.168.1.1"
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	ones, bits := cfg.Protect[0].MySubnet.Mask.Size()
	if ones != 32 || bits != 32 {
		t.Errorf("bare address mask = %d/%d, want 32/32", ones, bits)
	}
}
