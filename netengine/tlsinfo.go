package netengine

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"

	"github.com/mailru/easyjson/jwriter"

	"github.com/ozontech/netmux/transport"
)

// keylogEmitter adapts the tls.Config.KeyLogWriter hook to KEYLOG events.
// crypto/tls writes one NSS key log line per call.
type keylogEmitter struct {
	eng *Engine
	id  transport.ConnID
}

func (w *keylogEmitter) Write(p []byte) (int, error) {
	if s := w.eng.socket(w.id); s != nil {
		s.emitEvent(transport.EventKeylog, bytes.TrimRight(p, "\n"))
	}
	return len(p), nil
}

func (s *socket) tlsState() (tls.ConnectionState, bool) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	tconn, ok := conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tconn.ConnectionState(), true
}

// Protocol reports the negotiated TLS version name, empty for plain sockets.
func (e *Engine) Protocol(id transport.ConnID) string {
	s := e.socket(id)
	if s == nil {
		return ""
	}
	cs, ok := s.tlsState()
	if !ok {
		return ""
	}
	return tls.VersionName(cs.Version)
}

// Cipher reports the negotiated cipher suite name, empty for plain sockets.
func (e *Engine) Cipher(id transport.ConnID) string {
	s := e.socket(id)
	if s == nil {
		return ""
	}
	cs, ok := s.tlsState()
	if !ok {
		return ""
	}
	return tls.CipherSuiteName(cs.CipherSuite)
}

// ALPN reports the negotiated application protocol, if any.
func (e *Engine) ALPN(id transport.ConnID) string {
	s := e.socket(id)
	if s == nil {
		return ""
	}
	cs, ok := s.tlsState()
	if !ok {
		return ""
	}
	return cs.NegotiatedProtocol
}

// SessionReused reports whether the TLS session was resumed.
func (e *Engine) SessionReused(id transport.ConnID) bool {
	s := e.socket(id)
	if s == nil {
		return false
	}
	cs, ok := s.tlsState()
	return ok && cs.DidResume
}

// PeerCertificateJSON encodes the leaf peer certificate as JSON, nil when
// the connection is not TLS or the peer sent no certificate.
func (e *Engine) PeerCertificateJSON(id transport.ConnID) []byte {
	s := e.socket(id)
	if s == nil {
		return nil
	}
	cs, ok := s.tlsState()
	if !ok || len(cs.PeerCertificates) == 0 {
		return nil
	}
	return encodeCertJSON(cs.PeerCertificates[0])
}

func encodeCertJSON(cert *x509.Certificate) []byte {
	w := &jwriter.Writer{}
	w.RawByte('{')

	w.RawString(`"subject":`)
	w.String(cert.Subject.String())
	w.RawString(`,"issuer":`)
	w.String(cert.Issuer.String())
	w.RawString(`,"serial_number":`)
	w.String(cert.SerialNumber.String())
	w.RawString(`,"not_before":`)
	w.String(cert.NotBefore.UTC().Format("2006-01-02T15:04:05Z"))
	w.RawString(`,"not_after":`)
	w.String(cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"))
	w.RawString(`,"signature_algorithm":`)
	w.String(cert.SignatureAlgorithm.String())

	w.RawString(`,"dns_names":[`)
	for i, name := range cert.DNSNames {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(name)
	}
	w.RawByte(']')

	w.RawString(`,"raw_sha256":`)
	sum := certFingerprint(cert)
	w.String(sum)

	w.RawByte('}')

	out, err := w.BuildBytes()
	if err != nil {
		return nil
	}
	return out
}

func certFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
