package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AdMirrorConfiguration is everything the process needs: the domain to
// mirror, credentials, tuning knobs and file locations.
type AdMirrorConfiguration struct {
	Domain          string
	PreferredServer string
	Username        string
	Password        string

	BulkLoadPageSize  uint32
	LoadAllAttributes bool
	OtherAttributes   []string

	SnapshotPath     string
	SnapshotInterval time.Duration

	DatabaseDSN string
	WebAddr     string
}

// LoadEnvConfig reads settings.env (or whichever file is named) plus the
// optional attributes.yaml listing extra attributes to request.
func LoadEnvConfig(configName string) AdMirrorConfiguration {
	err := godotenv.Load(configName)
	if err != nil {
		log.Fatal("Error loading .env file")
	}

	cfg := AdMirrorConfiguration{
		Domain:           os.Getenv("LDAP_DOMAIN"),
		PreferredServer:  os.Getenv("LDAP_PREFERRED_SERVER"),
		Username:         os.Getenv("LDAP_USERNAME"),
		Password:         os.Getenv("LDAP_PASSWORD"),
		SnapshotPath:     os.Getenv("SNAPSHOT_PATH"),
		DatabaseDSN:      os.Getenv("DATABASE_DSN"),
		WebAddr:          os.Getenv("WEB_ADDR"),
		BulkLoadPageSize: 1000,
		SnapshotInterval: 5 * time.Minute,
	}

	if cfg.Domain == "" {
		log.Fatal("LDAP_DOMAIN is required")
	}

	if v := os.Getenv("LDAP_PAGESIZE"); v != "" {
		pageSize, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("failed to parse integer: %v", err)
		}
		cfg.BulkLoadPageSize = uint32(pageSize)
	}

	if v := os.Getenv("SNAPSHOT_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("failed to parse SNAPSHOT_INTERVAL: %v", err)
		}
		cfg.SnapshotInterval = interval
	}

	if v := os.Getenv("LOAD_ALL_ATTRIBUTES"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			log.Fatalf("failed to parse LOAD_ALL_ATTRIBUTES: %v", err)
		}
		cfg.LoadAllAttributes = all
	}

	if path := os.Getenv("ATTRIBUTES_FILE"); path != "" {
		extra, err := LoadAttributesFile(path)
		if err != nil {
			log.Fatalf("failed to load attributes file: %v", err)
		}
		cfg.OtherAttributes = extra
	}

	return cfg
}

type attributesFile struct {
	OtherAttributes []string `yaml:"otherAttributes"`
}

// LoadAttributesFile parses the optional YAML list of additional attributes
// requested when LoadAllAttributes is off.
func LoadAttributesFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var parsed attributesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed.OtherAttributes, nil
}

// RequestedAttributes composes the attribute list sent with every search:
// the default set plus extras, or nil (meaning all) when LoadAllAttributes
// is on.
func (c AdMirrorConfiguration) RequestedAttributes(defaults []string) []string {
	if c.LoadAllAttributes {
		return nil
	}
	seen := make(map[string]bool, len(defaults))
	out := make([]string, 0, len(defaults)+len(c.OtherAttributes))
	for _, a := range defaults {
		seen[a] = true
		out = append(out, a)
	}
	for _, a := range c.OtherAttributes {
		if !seen[a] {
			out = append(out, a)
		}
	}
	return out
}
