package proxy

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTLSSkip(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   string
		want tlsSkip
	}{{
		name: "empty",
		in:   "",
		want: tlsSkip{},
	}, {
		name: "all",
		in:   "all",
		want: tlsSkip{all: true},
	}, {
		name: "bool_synonym",
		in:   "true",
		want: tlsSkip{all: true},
	}, {
		name: "list",
		in:   "self_signed, Expired_Cert",
		want: tlsSkip{selfSigned: true, expiredCert: true},
	}, {
		name: "unknown_ignored",
		in:   "self_signed,frobnicate",
		want: tlsSkip{selfSigned: true},
	}, {
		name: "weak_cipher",
		in:   "weak_cipher",
		want: tlsSkip{weakCipher: true},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, parseTLSSkip(tc.in))
		})
	}
}

func TestTLSSkip_clientConfig(t *testing.T) {
	t.Parallel()

	t.Run("strict", func(t *testing.T) {
		t.Parallel()

		assert.Nil(t, tlsSkip{}.clientConfig("example.com"))
	})

	t.Run("self_signed", func(t *testing.T) {
		t.Parallel()

		conf := tlsSkip{selfSigned: true}.clientConfig("example.com")
		require.NotNil(t, conf)

		assert.True(t, conf.InsecureSkipVerify)
		assert.Nil(t, conf.VerifyPeerCertificate)
		assert.Zero(t, conf.MinVersion)
	})

	t.Run("expired_cert", func(t *testing.T) {
		t.Parallel()

		conf := tlsSkip{expiredCert: true}.clientConfig("example.com")
		require.NotNil(t, conf)

		assert.True(t, conf.InsecureSkipVerify)
		assert.NotNil(t, conf.VerifyPeerCertificate)
	})

	t.Run("weak_cipher", func(t *testing.T) {
		t.Parallel()

		conf := tlsSkip{weakCipher: true}.clientConfig("example.com")
		require.NotNil(t, conf)

		assert.False(t, conf.InsecureSkipVerify)
		assert.Equal(t, uint16(tls.VersionTLS10), conf.MinVersion)
		assert.NotEmpty(t, conf.CipherSuites)
	})

	t.Run("all", func(t *testing.T) {
		t.Parallel()

		conf := tlsSkip{all: true}.clientConfig("example.com")
		require.NotNil(t, conf)

		assert.True(t, conf.InsecureSkipVerify)
		assert.Equal(t, uint16(tls.VersionTLS10), conf.MinVersion)
	})
}
