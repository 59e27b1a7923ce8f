package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CSEID != "id-in" || cfg.CSEResourceName != "cse-in" {
		t.Fatalf("identity defaults: %q %q", cfg.CSEID, cfg.CSEResourceName)
	}
	if cfg.CSI() != "/id-in" {
		t.Fatalf("csi = %q", cfg.CSI())
	}
	if !cfg.DBInMemory || cfg.DBCacheSize != 512 {
		t.Fatalf("db defaults: %v %d", cfg.DBInMemory, cfg.DBCacheSize)
	}
	if cfg.CheckExpirationsInterval != time.Minute {
		t.Fatalf("expiration interval = %v", cfg.CheckExpirationsInterval)
	}
	if !cfg.EnableACPChecks || !cfg.SortDiscoveredResources {
		t.Fatal("security/discovery defaults off")
	}
	if cfg.MissingDataFactor != 0.5 {
		t.Fatalf("missing data factor = %v", cfg.MissingDataFactor)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CSE_ID", "id-mn")
	t.Setenv("CSE_RESOURCE_NAME", "cse-mn")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ALLOWED_CSR_ORIGINATORS", "id-in,id-asn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CSEID != "id-mn" || cfg.HTTPPort != "9090" {
		t.Fatalf("env override: %q %q", cfg.CSEID, cfg.HTTPPort)
	}
	if len(cfg.AllowedCSROriginators) != 2 || cfg.AllowedCSROriginators[1] != "id-asn" {
		t.Fatalf("csr originators = %v", cfg.AllowedCSROriginators)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			CSEID:             "id-in",
			CSEResourceName:   "cse-in",
			DBInMemory:        true,
			AuthMode:          "none",
			MissingDataFactor: 0.5,
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.CSEID = "has/slash"
	if err := c.Validate(); err == nil {
		t.Fatal("slash in CSE_ID accepted")
	}

	c = base()
	c.AuthMode = "token"
	if err := c.Validate(); err == nil {
		t.Fatal("token mode without secret accepted")
	}
	c.AuthSecret = "s3cret"
	if err := c.Validate(); err != nil {
		t.Fatalf("token mode with secret rejected: %v", err)
	}

	c = base()
	c.AuthMode = "weird"
	if err := c.Validate(); err == nil {
		t.Fatal("unknown auth mode accepted")
	}

	c = base()
	c.MissingDataFactor = 0
	if err := c.Validate(); err == nil {
		t.Fatal("zero missing data factor accepted")
	}

	c = base()
	c.DBInMemory = false
	c.DataDir = ""
	if err := c.Validate(); err == nil {
		t.Fatal("document store without data dir accepted")
	}
}
