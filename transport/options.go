package transport

import (
	"errors"
	"fmt"

	"github.com/ozontech/netmux/consts"
)

// TLSOptions configures the client side of a secure connect command. The
// zero value means "verify against system roots using the dialed host name".
type TLSOptions struct {
	// ServerName overrides the SNI/verification name; empty uses the host.
	ServerName string
	// RejectUnauthorized, when false, disables certificate verification.
	RejectUnauthorized bool
	// SecureContext optionally supplies client certificates and extra CAs.
	// Zero means no pre-built context.
	SecureContext SecureContextID
	// Keylog asks the engine to emit KEYLOG events for this connection.
	Keylog bool
}

// DefaultTLSOptions verifies peer certificates and uses no prebuilt context.
func DefaultTLSOptions() TLSOptions {
	return TLSOptions{RejectUnauthorized: true}
}

// ListenOptions configures a TCP listen command.
type ListenOptions struct {
	Port      int
	Backlog   int
	IPv6Only  bool
	ReusePort bool
	// SecureContext, when non-zero, makes the listener terminate TLS.
	SecureContext SecureContextID
}

func (o *ListenOptions) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("listen: port %d out of range", o.Port)
	}
	if o.Backlog == 0 {
		o.Backlog = consts.DefaultBacklog
	}
	if o.Backlog < 0 {
		return fmt.Errorf("listen: negative backlog %d", o.Backlog)
	}
	return nil
}

// SecureContextOptions builds a reusable TLS configuration. Exactly one of
// {CertPEM+KeyPEM, PFX, nothing} may be supplied; unknown combinations are
// rejected at construction rather than at use.
type SecureContextOptions struct {
	CertPEM    []byte
	KeyPEM     []byte
	Passphrase string
	PFX        []byte
}

var errPassphraseUnsupported = errors.New("secure context: passphrase-protected keys are not supported")

func (o SecureContextOptions) Validate() error {
	hasPair := len(o.CertPEM) > 0 || len(o.KeyPEM) > 0
	if hasPair && (len(o.CertPEM) == 0 || len(o.KeyPEM) == 0) {
		return errors.New("secure context: cert and key must be supplied together")
	}
	if hasPair && len(o.PFX) > 0 {
		return errors.New("secure context: cert/key and pfx are mutually exclusive")
	}
	if o.Passphrase != "" {
		return errPassphraseUnsupported
	}
	return nil
}
