package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/errors"
)

type testPKI struct {
	caFile         string
	serverCertFile string
	serverKeyFile  string
	clientCertFile string
	clientKeyFile  string
}

// newTestPKI writes a CA plus a server and a client certificate signed by it.
func newTestPKI(t *testing.T, clientCN string) testPKI {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tsstream test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	pki := testPKI{caFile: filepath.Join(dir, "ca.pem")}
	writePEM(t, pki.caFile, "CERTIFICATE", caDER)

	issue := func(serial int64, cn string, usage x509.ExtKeyUsage) (certFile, keyFile string) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
		require.NoError(t, err)
		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)

		certFile = filepath.Join(dir, cn+".pem")
		keyFile = filepath.Join(dir, cn+"-key.pem")
		writePEM(t, certFile, "CERTIFICATE", der)
		writePEM(t, keyFile, "EC PRIVATE KEY", keyDER)
		return certFile, keyFile
	}

	pki.serverCertFile, pki.serverKeyFile = issue(2, "localhost", x509.ExtKeyUsageServerAuth)
	pki.clientCertFile, pki.clientKeyFile = issue(3, clientCN, x509.ExtKeyUsageClientAuth)
	return pki
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))
}

// handshake runs one TLS handshake and returns the client and server errors.
func handshake(t *testing.T, serverCfg, clientCfg *tls.Config) (clientErr, serverErr error) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		err = conn.(*tls.Conn).Handshake()
		if err == nil {
			_, err = conn.Write([]byte("ok"))
		}
		serverDone <- err
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err == nil {
		_, err = io.ReadFull(conn, make([]byte, 2))
		conn.Close()
	}
	return err, <-serverDone
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     interface{ Validate() error }
		wantErr bool
	}{
		{"client disabled ignores fields", ClientConfig{CertFile: "x"}, false},
		{"client minimal", ClientConfig{Enabled: true}, false},
		{"client cert without key", ClientConfig{Enabled: true, CertFile: "c.pem"}, true},
		{"client bad version", ClientConfig{Enabled: true, MinVersion: "1.0"}, true},
		{"server disabled", ServerConfig{}, false},
		{"server missing key", ServerConfig{Enabled: true, CertFile: "c.pem"}, true},
		{"server require without CAs", ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", RequireClientCert: true}, true},
		{"server ok", ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.3"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoad_DisabledReturnsNil(t *testing.T) {
	client, err := LoadClientConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)

	server, err := LoadServerConfig(ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, server)
}

func TestLoadClientConfig(t *testing.T) {
	pki := newTestPKI(t, "client")

	cfg, err := LoadClientConfig(ClientConfig{
		Enabled:    true,
		CAFiles:    []string{pki.caFile},
		CertFile:   pki.clientCertFile,
		KeyFile:    pki.clientKeyFile,
		ServerName: "localhost",
		MinVersion: "1.3",
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, "localhost", cfg.ServerName)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)
}

func TestLoadClientConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))

	_, err := LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{filepath.Join(dir, "missing.pem")}})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{garbage}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = LoadClientConfig(ClientConfig{Enabled: true, CertFile: garbage, KeyFile: garbage})
	assert.Error(t, err)
}

func TestLoadServerConfig(t *testing.T) {
	pki := newTestPKI(t, "client")

	cfg, err := LoadServerConfig(ServerConfig{Enabled: true, CertFile: pki.serverCertFile, KeyFile: pki.serverKeyFile})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = LoadServerConfig(ServerConfig{
		Enabled:       true,
		CertFile:      pki.serverCertFile,
		KeyFile:       pki.serverKeyFile,
		ClientCAFiles: []string{pki.caFile},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: pki.serverCertFile, KeyFile: pki.clientKeyFile})
	assert.Error(t, err)
}

func TestHandshake_ServerOnly(t *testing.T) {
	pki := newTestPKI(t, "client")
	serverCfg, err := LoadServerConfig(ServerConfig{Enabled: true, CertFile: pki.serverCertFile, KeyFile: pki.serverKeyFile})
	require.NoError(t, err)

	trusted, err := LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{pki.caFile}, ServerName: "localhost"})
	require.NoError(t, err)
	clientErr, serverErr := handshake(t, serverCfg, trusted)
	assert.NoError(t, clientErr)
	assert.NoError(t, serverErr)

	untrusted, err := LoadClientConfig(ClientConfig{Enabled: true, ServerName: "localhost"})
	require.NoError(t, err)
	clientErr, _ = handshake(t, serverCfg, untrusted)
	assert.Error(t, clientErr)
}

func TestHandshake_MutualTLS(t *testing.T) {
	tests := []struct {
		name       string
		clientCN   string
		allowed    []string
		clientCert bool
		wantOK     bool
	}{
		{"client cert accepted", "sensor-gw", nil, true, true},
		{"client cert missing", "sensor-gw", nil, false, false},
		{"CN allowed", "sensor-gw", []string{"sensor-gw"}, true, true},
		{"CN rejected", "intruder", []string{"sensor-gw"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pki := newTestPKI(t, tt.clientCN)
			serverCfg, err := LoadServerConfig(ServerConfig{
				Enabled:           true,
				CertFile:          pki.serverCertFile,
				KeyFile:           pki.serverKeyFile,
				ClientCAFiles:     []string{pki.caFile},
				RequireClientCert: true,
				AllowedClientCNs:  tt.allowed,
			})
			require.NoError(t, err)

			clientCfg := ClientConfig{Enabled: true, CAFiles: []string{pki.caFile}, ServerName: "localhost"}
			if tt.clientCert {
				clientCfg.CertFile = pki.clientCertFile
				clientCfg.KeyFile = pki.clientKeyFile
			}
			tlsClient, err := LoadClientConfig(clientCfg)
			require.NoError(t, err)

			clientErr, serverErr := handshake(t, serverCfg, tlsClient)
			if tt.wantOK {
				assert.NoError(t, clientErr)
				assert.NoError(t, serverErr)
				return
			}
			assert.Error(t, serverErr)
		})
	}
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "sensor-gw"}}
	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other", "sensor-gw"}))
	assert.Error(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"sensor-gw"}))
}
