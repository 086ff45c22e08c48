package sshmanager

import (
	"fmt"
	"log"
	"os"
	"slices"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Algorithms lists the algorithm preferences offered during negotiation.
type Algorithms struct {
	KeyExchanges []string `yaml:"kex" json:"kex"`
	Ciphers      []string `yaml:"ciphers" json:"ciphers"`
	HostKeys     []string `yaml:"host_keys" json:"host_keys"`
	MACs         []string `yaml:"macs" json:"macs"`
}

// DefaultAlgorithms returns the broad compatibility lists, newest first with
// legacy algorithms last so old servers still negotiate.
func DefaultAlgorithms() Algorithms {
	return Algorithms{
		KeyExchanges: []string{
			"mlkem768x25519-sha256",
			"curve25519-sha256",
			"ecdh-sha2-nistp256",
			"ecdh-sha2-nistp384",
			"ecdh-sha2-nistp521",
			"diffie-hellman-group-exchange-sha256",
			"diffie-hellman-group16-sha512",
			"diffie-hellman-group14-sha256",
			"diffie-hellman-group14-sha1",
			"diffie-hellman-group-exchange-sha1",
			"diffie-hellman-group1-sha1",
		},
		Ciphers: []string{
			"chacha20-poly1305@openssh.com",
			"aes128-gcm@openssh.com",
			"aes256-gcm@openssh.com",
			"aes128-ctr",
			"aes192-ctr",
			"aes256-ctr",
			"aes128-cbc",
			"3des-cbc",
		},
		HostKeys: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
			"ssh-dss",
		},
		MACs: []string{
			"hmac-sha2-256-etm@openssh.com",
			"hmac-sha2-512-etm@openssh.com",
			"hmac-sha2-256",
			"hmac-sha2-512",
			"hmac-sha1",
		},
	}
}

// LoadAlgorithms reads algorithm lists from a YAML file. Sections missing
// from the file keep their defaults. Names the transport does not implement
// are dropped with a warning; a section left empty is an error.
func LoadAlgorithms(path string) (Algorithms, error) {
	algos := DefaultAlgorithms()
	if path == "" {
		return algos, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Algorithms{}, fmt.Errorf("read algorithms file: %w", err)
	}
	var file Algorithms
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Algorithms{}, fmt.Errorf("parse algorithms file: %w", err)
	}

	supported := ssh.SupportedAlgorithms()
	insecure := ssh.InsecureAlgorithms()
	sections := []struct {
		name  string
		dst   *[]string
		src   []string
		known []string
	}{
		{"kex", &algos.KeyExchanges, file.KeyExchanges, append(supported.KeyExchanges, insecure.KeyExchanges...)},
		{"ciphers", &algos.Ciphers, file.Ciphers, append(supported.Ciphers, insecure.Ciphers...)},
		{"host_keys", &algos.HostKeys, file.HostKeys, append(supported.HostKeys, insecure.HostKeys...)},
		{"macs", &algos.MACs, file.MACs, append(supported.MACs, insecure.MACs...)},
	}
	for _, s := range sections {
		if len(s.src) == 0 {
			continue
		}
		kept := make([]string, 0, len(s.src))
		for _, name := range s.src {
			if slices.Contains(s.known, name) {
				kept = append(kept, name)
			} else {
				log.Printf("[ssh] WARNING: ignoring unsupported %s algorithm %q", s.name, name)
			}
		}
		if len(kept) == 0 {
			return Algorithms{}, fmt.Errorf("algorithms file: no supported %s algorithms", s.name)
		}
		*s.dst = kept
	}
	return algos, nil
}

func (a Algorithms) apply(cfg *ssh.ClientConfig) {
	cfg.KeyExchanges = a.KeyExchanges
	cfg.Ciphers = a.Ciphers
	cfg.MACs = a.MACs
	cfg.HostKeyAlgorithms = a.HostKeys
}
