package netengine

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ozontech/netmux/transport"
)

// secureContext is one reusable TLS configuration: an optional default
// certificate, extra trust anchors, per-hostname certificates for SNI, a
// stapled OCSP response and session-ticket keys.
type secureContext struct {
	mu         sync.Mutex
	cert       *tls.Certificate
	cas        *x509.CertPool
	hostCerts  map[string]*tls.Certificate
	ocsp       []byte
	ticketKeys []byte
}

type contextStore struct {
	ids atomic.Uint32

	mu       sync.RWMutex
	contexts map[transport.SecureContextID]*secureContext
}

func newContextStore() *contextStore {
	return &contextStore{contexts: make(map[transport.SecureContextID]*secureContext)}
}

func (cs *contextStore) create(opts transport.SecureContextOptions) (transport.SecureContextID, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}

	sc := &secureContext{hostCerts: make(map[string]*tls.Certificate)}
	if len(opts.CertPEM) > 0 {
		cert, err := loadKeyPair(opts.CertPEM, opts.KeyPEM)
		if err != nil {
			return 0, err
		}
		sc.cert = cert
	}
	if len(opts.PFX) > 0 {
		return 0, errors.New("secure context: pfx containers are not supported")
	}

	id := transport.SecureContextID(cs.ids.Add(1))
	cs.mu.Lock()
	cs.contexts[id] = sc
	cs.mu.Unlock()
	return id, nil
}

func (cs *contextStore) get(id transport.SecureContextID) *secureContext {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.contexts[id]
}

func (cs *contextStore) addCA(id transport.SecureContextID, caPEM []byte) error {
	sc := cs.get(id)
	if sc == nil {
		return fmt.Errorf("secure context %d not found", id)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cas == nil {
		sc.cas = x509.NewCertPool()
	}
	if !sc.cas.AppendCertsFromPEM(caPEM) {
		return errors.New("secure context: no certificates found in CA pem")
	}
	return nil
}

func (cs *contextStore) addHostCert(id transport.SecureContextID, hostname string, certPEM, keyPEM []byte) error {
	sc := cs.get(id)
	if sc == nil {
		return fmt.Errorf("secure context %d not found", id)
	}
	cert, err := loadKeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	sc.hostCerts[strings.ToLower(hostname)] = cert
	sc.mu.Unlock()
	return nil
}

func (cs *contextStore) setOCSP(id transport.SecureContextID, der []byte) {
	sc := cs.get(id)
	if sc == nil {
		return
	}
	sc.mu.Lock()
	sc.ocsp = append([]byte(nil), der...)
	sc.mu.Unlock()
}

func (cs *contextStore) ticketKeys(id transport.SecureContextID) []byte {
	sc := cs.get(id)
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]byte(nil), sc.ticketKeys...)
}

func (cs *contextStore) setTicketKeys(id transport.SecureContextID, keys []byte) error {
	sc := cs.get(id)
	if sc == nil {
		return fmt.Errorf("secure context %d not found", id)
	}
	if len(keys) == 0 || len(keys)%32 != 0 {
		return errors.New("secure context: ticket keys must be a multiple of 32 bytes")
	}
	sc.mu.Lock()
	sc.ticketKeys = append([]byte(nil), keys...)
	sc.mu.Unlock()
	return nil
}

// clientConfig builds the tls.Config for an outbound handshake. host is the
// dialed hostname, used for SNI and verification unless overridden.
func (cs *contextStore) clientConfig(opts transport.TLSOptions, host string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !opts.RejectUnauthorized, //nolint:gosec // explicit caller opt-out
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
	}
	if opts.ServerName != "" {
		cfg.ServerName = opts.ServerName
	}

	if opts.SecureContext == 0 {
		return cfg, nil
	}
	sc := cs.get(opts.SecureContext)
	if sc == nil {
		return nil, fmt.Errorf("secure context %d not found", opts.SecureContext)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cert != nil {
		cfg.Certificates = []tls.Certificate{*sc.cert}
	}
	cfg.RootCAs = sc.cas
	return cfg, nil
}

// serverConfig builds the tls.Config for a TLS listener, with per-hostname
// certificate selection driven by the SNI the client sends.
func (cs *contextStore) serverConfig(id transport.SecureContextID) (*tls.Config, error) {
	sc := cs.get(id)
	if sc == nil {
		return nil, fmt.Errorf("secure context %d not found", id)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cert == nil && len(sc.hostCerts) == 0 {
		return nil, errors.New("secure context: listener requires a certificate")
	}

	cfg := &tls.Config{}
	if sc.cert != nil {
		def := *sc.cert
		if len(sc.ocsp) > 0 {
			def.OCSPStaple = sc.ocsp
		}
		cfg.Certificates = []tls.Certificate{def}
	}
	if sc.cas != nil {
		cfg.ClientCAs = sc.cas
	}
	if len(sc.hostCerts) > 0 {
		hostCerts := make(map[string]*tls.Certificate, len(sc.hostCerts))
		for k, v := range sc.hostCerts {
			hostCerts[k] = v
		}
		fallback := sc.cert
		cfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if cert, ok := hostCerts[strings.ToLower(chi.ServerName)]; ok {
				return cert, nil
			}
			if fallback != nil {
				return fallback, nil
			}
			return nil, fmt.Errorf("no certificate for server name %q", chi.ServerName)
		}
	}
	if len(sc.ticketKeys) > 0 {
		keys := make([][32]byte, 0, len(sc.ticketKeys)/32)
		for off := 0; off < len(sc.ticketKeys); off += 32 {
			var k [32]byte
			copy(k[:], sc.ticketKeys[off:off+32])
			keys = append(keys, k)
		}
		cfg.SetSessionTicketKeys(keys)
	}
	return cfg, nil
}

func loadKeyPair(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	if bytes.Contains(keyPEM, []byte("ENCRYPTED")) {
		return nil, errors.New("secure context: passphrase-protected keys are not supported")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("secure context: load key pair: %w", err)
	}
	return &cert, nil
}

// Engine-level secure context commands.

func (e *Engine) NewSecureContext(opts transport.SecureContextOptions) (transport.SecureContextID, error) {
	return e.contexts.create(opts)
}

func (e *Engine) AddCA(sc transport.SecureContextID, caPEM []byte) error {
	return e.contexts.addCA(sc, caPEM)
}

func (e *Engine) AddHostCert(sc transport.SecureContextID, hostname string, certPEM, keyPEM []byte) error {
	return e.contexts.addHostCert(sc, hostname, certPEM, keyPEM)
}

func (e *Engine) SetOCSPResponse(sc transport.SecureContextID, der []byte) {
	e.contexts.setOCSP(sc, der)
}

func (e *Engine) TicketKeys(sc transport.SecureContextID) []byte {
	return e.contexts.ticketKeys(sc)
}

func (e *Engine) SetTicketKeys(sc transport.SecureContextID, keys []byte) error {
	return e.contexts.setTicketKeys(sc, keys)
}
