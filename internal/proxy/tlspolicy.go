package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"strings"
	"time"
)

// tlsSkip is the set of TLS checks a request asks to skip.  The zero value
// means strict verification.
type tlsSkip struct {
	all              bool
	expiredCert      bool
	selfSigned       bool
	hostnameMismatch bool
	certAuthority    bool
	weakCipher       bool
}

// isZero reports whether no checks are skipped.
func (s tlsSkip) isZero() (ok bool) { return s == tlsSkip{} }

// parseTLSSkip parses a comma-separated skip_tls_checks list.  Unknown
// tokens are ignored.  The boolean synonyms true, 1, and yes select the full
// set, as does all.  Behavior depends only on the resulting set, not on the
// order of the list.
func parseTLSSkip(v string) (s tlsSkip) {
	for tok := range strings.SplitSeq(strings.ToLower(v), ",") {
		switch strings.TrimSpace(tok) {
		case "all", "true", "1", "yes":
			s.all = true
		case "expired_cert":
			s.expiredCert = true
		case "self_signed":
			s.selfSigned = true
		case "hostname_mismatch":
			s.hostnameMismatch = true
		case "cert_authority":
			s.certAuthority = true
		case "weak_cipher":
			s.weakCipher = true
		}
	}

	return s
}

// clientConfig translates the skip set into a TLS client configuration for
// serverName.  It returns nil for the zero set, meaning strict verification
// with the system trust store.  The result is used by exactly one request.
func (s tlsSkip) clientConfig(serverName string) (conf *tls.Config) {
	if s.isZero() {
		return nil
	}

	conf = &tls.Config{
		ServerName: serverName,
	}

	switch {
	case s.all, s.selfSigned, s.certAuthority:
		// No chain to verify against, which also skips expiry and hostname
		// checks.
		conf.InsecureSkipVerify = true
	case s.expiredCert, s.hostnameMismatch:
		// Disable the built-in verification and re-run it manually with only
		// the requested checks relaxed.
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = s.verifyRelaxed(serverName)
	}

	if s.all || s.weakCipher {
		conf.MinVersion = tls.VersionTLS10
		conf.CipherSuites = cipherSuitesWithInsecure()
	}

	return conf
}

// verifyRelaxed returns a certificate verifier that checks the chain against
// the system trust store while skipping the expiry check, the hostname
// check, or both, depending on the skip set.
func (s tlsSkip) verifyRelaxed(serverName string) func(rawCerts [][]byte, _ [][]*x509.Certificate) (err error) {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) (err error) {
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, parseErr := x509.ParseCertificate(raw)
			if parseErr != nil {
				return parseErr
			}

			certs = append(certs, cert)
		}

		if len(certs) == 0 {
			return errMalformedResponse
		}

		leaf := certs[0]

		opts := x509.VerifyOptions{
			Intermediates: x509.NewCertPool(),
			DNSName:       serverName,
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}

		if s.hostnameMismatch {
			opts.DNSName = ""
		}

		if s.expiredCert {
			// Verify at a time within the certificate's own validity window
			// so that only the expiry check is effectively disabled.
			opts.CurrentTime = leaf.NotBefore.Add(time.Second)
		}

		_, err = leaf.Verify(opts)

		return err
	}
}

// cipherSuitesWithInsecure returns all cipher suite IDs, including the
// deprecated ones the default configuration rejects.
func cipherSuitesWithInsecure() (ids []uint16) {
	for _, cs := range tls.CipherSuites() {
		ids = append(ids, cs.ID)
	}

	for _, cs := range tls.InsecureCipherSuites() {
		ids = append(ids, cs.ID)
	}

	return ids
}
