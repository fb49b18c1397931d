package threat

import (
	"fmt"
	"strings"
)

// IOCType represents different types of indicators of compromise
type IOCType string

const (
	IOCTypeIP     IOCType = "ip"
	IOCTypeDomain IOCType = "domain"
	IOCTypeHash   IOCType = "hash"
	IOCTypeURL    IOCType = "url"
)

// ParseIOCType accepts the type names playbooks use
func ParseIOCType(s string) (IOCType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ip", "ipv4", "ipv6", "ip_address":
		return IOCTypeIP, nil
	case "domain", "hostname":
		return IOCTypeDomain, nil
	case "hash", "file_hash", "md5", "sha1", "sha256":
		return IOCTypeHash, nil
	case "url":
		return IOCTypeURL, nil
	}
	return "", fmt.Errorf("unsupported IOC type: %s", s)
}

// ThreatIntel is the verdict for one indicator
type ThreatIntel struct {
	IOC         string            `json:"ioc"`
	Type        IOCType           `json:"type"`
	IsMalicious bool              `json:"is_malicious"`
	Confidence  float64           `json:"confidence"`
	Tags        []string          `json:"tags"`
	Description string            `json:"description"`
	Sources     []string          `json:"sources"`
	References  []string          `json:"references"`
	Metadata    map[string]string `json:"metadata"`
}

// Reputation summarizes the verdict as malicious, suspicious or clean
func (t *ThreatIntel) Reputation() string {
	switch {
	case t.IsMalicious && t.Confidence >= 0.5:
		return "malicious"
	case t.IsMalicious:
		return "suspicious"
	default:
		return "clean"
	}
}

// ToMap converts the verdict into plain values suitable for an execution context
func (t *ThreatIntel) ToMap() map[string]interface{} {
	tags := make([]interface{}, 0, len(t.Tags))
	for _, tag := range t.Tags {
		tags = append(tags, tag)
	}
	sources := make([]interface{}, 0, len(t.Sources))
	for _, s := range t.Sources {
		sources = append(sources, s)
	}
	meta := make(map[string]interface{}, len(t.Metadata))
	for k, v := range t.Metadata {
		meta[k] = v
	}
	return map[string]interface{}{
		"ioc":          t.IOC,
		"type":         string(t.Type),
		"is_malicious": t.IsMalicious,
		"confidence":   t.Confidence,
		"reputation":   t.Reputation(),
		"tags":         tags,
		"description":  t.Description,
		"sources":      sources,
		"metadata":     meta,
	}
}

// cleanIntel is the verdict for an indicator no source knows about
func cleanIntel(value string, iocType IOCType, description string) *ThreatIntel {
	return &ThreatIntel{
		IOC:         value,
		Type:        iocType,
		Tags:        []string{},
		Description: description,
		Sources:     []string{},
		References:  []string{},
		Metadata:    map[string]string{},
	}
}
