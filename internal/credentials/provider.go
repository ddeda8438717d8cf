// Package credentials abstracts secret lookup away from the delivery
// pipeline. The pipeline only ever asks for a named secret; where that
// secret lives (environment, keychain, file) is the provider's business.
package credentials

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// Well-known secret names used by the delivery backends.
const (
	SecretAccessPointClientSecret = "accesspoint_client_secret"
	SecretAccessPointAPIKey       = "accesspoint_api_key"
	SecretGovServiceCertificate   = "govservice_certificate"
	SecretGovServicePrivateKey    = "govservice_private_key"
)

// ErrNotFound is returned when a provider has no value for the given name.
var ErrNotFound = errors.New("secret not found")

// Provider returns a secret value for a logical name.
type Provider interface {
	Secret(name string) (string, error)
}

// EnvProvider reads secrets from environment variables. A secret named
// "accesspoint_api_key" maps to EINV_SECRET_ACCESSPOINT_API_KEY.
type EnvProvider struct {
	Prefix string // defaults to "EINV_SECRET_"
}

func (p EnvProvider) Secret(name string) (string, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "EINV_SECRET_"
	}
	key := prefix + strings.ToUpper(name)
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// StaticProvider serves secrets from an in-memory map. Intended for tests
// and for wiring file-loaded material (e.g. PEM blocks) at startup.
type StaticProvider struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewStaticProvider(secrets map[string]string) *StaticProvider {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &StaticProvider{secrets: cp}
}

func (p *StaticProvider) Secret(name string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.secrets[name]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (p *StaticProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secrets[name] = value
}

// Chain queries providers in order, returning the first hit.
type Chain []Provider

func (c Chain) Secret(name string) (string, error) {
	for _, p := range c {
		value, err := p.Secret(name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}
