package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cpu/acmebroker/acme/keys"
	"github.com/cpu/acmebroker/acme/resources"
	"github.com/cpu/acmebroker/db"
)

// Default validity for certificates issued in CA mode, used when the order
// does not request an explicit window.
const defaultCertValidity = 90 * 24 * time.Hour

// Issuer signs CSRs with a configured CA certificate and key. Standalone CA
// mode only.
type Issuer struct {
	cert    *x509.Certificate
	certPEM string
	signer  crypto.Signer
}

// LoadIssuer reads the issuing certificate and its private key from PEM
// files.
func LoadIssuer(certPath, keyPath string) (*Issuer, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate %q: %w", certPath, err)
	}
	block, _ := pem.Decode(certBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE PEM block in %q", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key %q: %w", keyPath, err)
	}
	signer, err := keys.SignerFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	return NewIssuer(cert, signer)
}

// NewIssuer wraps an already parsed CA certificate and key.
func NewIssuer(cert *x509.Certificate, signer crypto.Signer) (*Issuer, error) {
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA certificate", cert.Subject.CommonName)
	}
	certPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}))
	return &Issuer{cert: cert, certPEM: certPEM, signer: signer}, nil
}

// CertPEM returns the PEM encoding of the issuing certificate.
func (i *Issuer) CertPEM() string {
	return i.certPEM
}

// Sign issues an end-entity certificate for the CSR with the given validity
// window, returning the DER encoding.
func (i *Issuer) Sign(csr *x509.CertificateRequest, notBefore, notAfter time.Time) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		DNSNames:              csr.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, i.cert, csr.PublicKey, i.signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return der, nil
}

// ChainPEM returns the PEM chain for a leaf issued by this issuer: the leaf
// followed by the issuing certificate.
func (i *Issuer) ChainPEM(leafDER []byte) string {
	leafPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: leafDER,
	}))
	return leafPEM + i.certPEM
}

// caEngine is the standalone CA finalization engine: it signs the order's
// CSR locally.
type caEngine struct {
	srv    *Server
	issuer *Issuer
}

func (e *caEngine) mode() string {
	return ModeCA
}

// finalize signs the order's CSR and stores the resulting certificate. Runs
// as a background task; failures mark the order INVALID.
func (e *caEngine) finalize(ctx context.Context, kid, orderID string) {
	srv := e.srv
	session := srv.store.Begin("finalize:" + ModeCA)
	order, err := session.Order(kid, orderID)
	if err != nil || order == nil {
		srv.logger.Warn("finalize task could not load order",
			zap.String("order", orderID), zap.Error(err))
		return
	}
	if order.Status != resources.OrderProcessing {
		return
	}

	csr, err := x509.ParseCertificateRequest(order.CSR)
	if err != nil {
		srv.failFinalize(session, order, fmt.Errorf("reparsing stored CSR: %w", err))
		return
	}

	now := srv.clk.Now().UTC()
	notBefore, notAfter := now, now.Add(defaultCertValidity)
	if order.NotBefore != nil {
		notBefore = order.NotBefore.UTC()
	}
	if order.NotAfter != nil {
		notAfter = order.NotAfter.UTC()
	}

	der, err := e.issuer.Sign(csr, notBefore, notAfter)
	if err != nil {
		srv.failFinalize(session, order, err)
		return
	}

	cert := resources.NewCertificate(order, der, e.issuer.ChainPEM(der))
	srv.completeFinalize(session, order, cert)
}

// completeFinalize stores the certificate and marks the order VALID.
func (srv *Server) completeFinalize(session *db.Session, order *resources.Order, cert *resources.Certificate) {
	if !order.Complete(cert.ID) {
		srv.logger.Warn("order could not accept certificate",
			zap.String("order", order.ID), zap.String("status", string(order.Status)))
		return
	}
	err := session.Put(cert)
	if err == nil {
		err = session.Put(order)
	}
	if err == nil {
		err = session.Commit()
	}
	if err != nil {
		srv.logger.Error("committing finalized order",
			zap.String("order", order.ID), zap.Error(err))
		return
	}
	srv.metrics.finalizations.WithLabelValues(srv.engine.mode(), "valid").Inc()
	srv.logger.Info("order finalized",
		zap.String("order", order.ID), zap.String("certificate", cert.ID))
}

// failFinalize marks the order INVALID and logs the cause. The client sees
// only the invalid status; the error stays server-side.
func (srv *Server) failFinalize(session *db.Session, order *resources.Order, cause error) {
	srv.logger.Warn("order finalization failed",
		zap.String("order", order.ID), zap.Error(cause))
	order.Fail()
	if err := session.Put(order); err != nil {
		srv.logger.Error("storing failed order", zap.String("order", order.ID), zap.Error(err))
		return
	}
	if err := session.Commit(); err != nil {
		srv.logger.Error("committing failed order", zap.String("order", order.ID), zap.Error(err))
		return
	}
	srv.metrics.finalizations.WithLabelValues(srv.engine.mode(), "invalid").Inc()
}
