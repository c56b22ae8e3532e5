// Package mitm provides the certificate authority that backs MITM TLS
// termination: a persistent, self-signed root and short-lived leaf
// certificates minted on demand per destination hostname, plus the
// TLS handshake helper that presents a minted leaf to the client once
// a CONNECT tunnel is established (see mitm.go).
package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/rchudasama/pylogproxy/internal/config"
	"github.com/rchudasama/pylogproxy/internal/logger"
)

// SAN is one Subject Alternative Name entry, e.g. {"DNS", "example.test"}.
type SAN struct {
	Kind  string
	Value string
}

// leafValidity is the fixed one-year lifetime of every minted leaf
// certificate, independent of the root's configured validity.
const leafValidity = 365 * 24 * time.Hour

// CA owns the root key/cert pair and mints leaf certificates under a
// cache directory, keyed by common name. The filesystem is the sole
// source of truth for minted leaves: Mint is idempotent by checking for
// the leaf's key file before generating anything.
type CA struct {
	cacheDir string

	rootKey  *rsa.PrivateKey
	rootCert *x509.Certificate

	sigAlg  x509.SignatureAlgorithm
	keyBits int

	mintMu sync.Mutex
}

// New loads the root CA from cacheDir if present, or generates and
// persists a new one there. cacheDir is created if it does not exist.
// Returns a CAInitError-class error (wrapped) on any failure.
func New(cfg *config.Config) (*CA, error) {
	cache := cfg.Cache()
	if err := os.MkdirAll(cache.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("ca: create cache dir %s: %w", cache.Dir, err)
	}

	files := cfg.CertificateFiles()
	keyPath := filepath.Join(cache.Dir, files.PrivateKeyName)
	certPath := filepath.Join(cache.Dir, files.CertificateName)

	sigAlg, err := signatureAlgorithm(cfg.SSLDigest().Digest)
	if err != nil {
		return nil, fmt.Errorf("ca: %w", err)
	}

	ca := &CA{
		cacheDir: cache.Dir,
		sigAlg:   sigAlg,
		keyBits:  cfg.SSLPrivateKey().KeySize,
	}

	if _, err := os.Stat(keyPath); err == nil {
		if err := ca.load(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("ca: load root: %w", err)
		}
		return ca, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ca: stat %s: %w", keyPath, err)
	}

	if err := ca.generateRoot(cfg, certPath, keyPath); err != nil {
		return nil, fmt.Errorf("ca: generate root: %w", err)
	}
	return ca, nil
}

// load reads an existing root certificate and key from PEM files.
func (ca *CA) load(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse root key: %w", err)
	}

	ca.rootCert = cert
	ca.rootKey = key
	return nil
}

// generateRoot builds the self-signed root certificate per the core's
// invariants: version 2 (v3), serial 1, subject == issuer, CA:TRUE with
// pathlen 0, keyCertSign|cRLSign, signed by its own key.
func (ca *CA) generateRoot(cfg *config.Config, certPath, keyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, ca.keyBits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	sc := cfg.SSLCertificate()
	subject := pkix.Name{
		Country:            nonEmpty(sc.Country),
		Province:           nonEmpty(sc.State),
		Locality:           nonEmpty(sc.Locality),
		Organization:       nonEmpty(sc.Organization),
		OrganizationalUnit: nonEmpty(sc.OrganizationalUnit),
		CommonName:         sc.CommonName,
	}
	if sc.Email != "" {
		subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  []int{1, 2, 840, 113549, 1, 9, 1}, // emailAddress OID
			Value: sc.Email,
		})
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Duration(sc.ValiditySeconds) * time.Second),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SignatureAlgorithm:    ca.sigAlg,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse generated root cert: %w", err)
	}

	if err := writePEMAtomic(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)); err != nil {
		return err
	}
	if err := writePEMAtomic(certPath, "CERTIFICATE", der); err != nil {
		os.Remove(keyPath) //nolint:errcheck // best-effort cleanup of partial root
		return err
	}

	ca.rootKey = key
	ca.rootCert = cert
	return nil
}

// Mint returns paths to a leaf certificate and key for cn, generating
// and persisting them on first request. The mutex serializes the brief
// window where disk state is checked and written, matching the core's
// "single writer per CN" policy; the filesystem check is what makes
// repeat calls for an already-minted CN idempotent.
func (ca *CA) Mint(cn string, sans []SAN) (certPath, keyPath string, err error) {
	asciiCN, err := idna.ToASCII(cn)
	if err != nil {
		asciiCN = cn
	}

	certPath = filepath.Join(ca.cacheDir, fmt.Sprintf(".pycrt_%s.pem", asciiCN))
	keyPath = filepath.Join(ca.cacheDir, fmt.Sprintf(".pylogp_%s.pem", asciiCN))

	ca.mintMu.Lock()
	defer ca.mintMu.Unlock()

	if _, statErr := os.Stat(keyPath); statErr == nil {
		return certPath, keyPath, nil
	}

	if mintErr := ca.mintLocked(asciiCN, sans, certPath, keyPath); mintErr != nil {
		os.Remove(certPath) //nolint:errcheck // partial-file cleanup on failure
		os.Remove(keyPath)  //nolint:errcheck
		return "", "", fmt.Errorf("mint leaf for %s: %w", cn, mintErr)
	}
	return certPath, keyPath, nil
}

func (ca *CA) mintLocked(cn string, sans []SAN, certPath, keyPath string) error {
	var dnsNames []string
	for _, s := range sans {
		if s.Kind == "DNS" {
			dnsNames = append(dnsNames, s.Value)
		}
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, ca.keyBits)
	if err != nil {
		return fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: cn},
		DNSNames:           dnsNames,
		Issuer:             ca.rootCert.Subject,
		NotBefore:          time.Now(),
		NotAfter:           time.Now().Add(leafValidity),
		SignatureAlgorithm: ca.sigAlg,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return fmt.Errorf("sign leaf: %w", err)
	}

	if err := writePEMAtomic(certPath, "CERTIFICATE", der); err != nil {
		return err
	}
	if err := writePEMAtomic(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(leafKey)); err != nil {
		return err
	}
	return nil
}

// randomSerial returns a uniformly random integer in [10^9, 10^10),
// per the leaf certificate's serial invariant.
func randomSerial() (*big.Int, error) {
	const lo = 1_000_000_000
	const span = 9_000_000_000
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return nil, err
	}
	return n.Add(n, big.NewInt(lo)), nil
}

// TLSConfigFor builds a server tls.Config that presents the leaf minted
// at certPath/keyPath.
func (ca *CA) TLSConfigFor(certPath, keyPath string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load leaf pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}, nil
}

// RootCert returns the root certificate, for tests and for operators
// who need to install the root into a client trust store.
func (ca *CA) RootCert() *x509.Certificate { return ca.rootCert }

// writePEMAtomic writes a PEM block to path via a temp file in the same
// directory followed by rename, so a concurrent reader never observes a
// half-written leaf file — an improvement over the original's plain
// open/write, adopted per the core's resource-discipline requirement.
func writePEMAtomic(path, blockType string, der []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-pem-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := pem.Encode(tmp, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		tmp.Close()         //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("encode pem: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func signatureAlgorithm(digest string) (x509.SignatureAlgorithm, error) {
	switch strings.ToLower(digest) {
	case "sha256", "":
		return x509.SHA256WithRSA, nil
	case "sha384":
		return x509.SHA384WithRSA, nil
	case "sha512":
		return x509.SHA512WithRSA, nil
	default:
		return 0, fmt.Errorf("unsupported ssl_digest %q", digest)
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// LogMintFailure reports a LeafMintError consistently on the given
// logger before the handler surfaces a 500 to the client.
func LogMintFailure(log *logger.Logger, cn string, err error) {
	log.Errorf("ca_mint", "failed to mint leaf for %s: %v", cn, err)
}
