package webhook

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Config is the trust policy for inbound notifications.
type Config struct {
	NotificationDomain string
	ServicePrefix      string
	CertExtension      string
	AllowedTopicARN    string
}

// Authenticator verifies that a notification was signed by SNS.
type Authenticator struct {
	cfg   Config
	certs *CertCache
	log   *zap.Logger
}

func NewAuthenticator(cfg Config, certs *CertCache, log *zap.Logger) *Authenticator {
	return &Authenticator{cfg: cfg, certs: certs, log: log}
}

// Authenticate parses and verifies body. Errors wrap ErrMalformed when the
// body cannot be parsed and ErrRejected for every other failure; nothing is
// returned for a notification that did not pass every check.
func (a *Authenticator) Authenticate(ctx context.Context, body []byte) (*Envelope, error) {
	env, err := ParseEnvelope(body)
	if err != nil {
		return nil, err
	}

	switch env.TypeName() {
	case TypeNotification, TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
	default:
		return nil, rejectf("unsupported type %q", env.TypeName())
	}

	certURL := value(env.SigningCertURL)
	if err := a.validateCertURL(certURL); err != nil {
		return nil, err
	}

	if a.cfg.AllowedTopicARN != "" && value(env.TopicArn) != a.cfg.AllowedTopicARN {
		return nil, rejectf("topic %q is not allowed", value(env.TopicArn))
	}

	cert, cached, err := a.certs.Get(ctx, certURL)
	if err != nil {
		a.log.Warn("⚠️ Signing cert unavailable", zap.String("url", certURL), zap.Error(err))
		return nil, rejectf("signing cert unavailable")
	}

	canonical, missing := CanonicalString(env)
	if len(missing) > 0 {
		a.log.Warn("⚠️ Notification is missing signed fields",
			zap.String("type", env.TypeName()),
			zap.Strings("missing", missing))
	}

	signature, err := base64.StdEncoding.DecodeString(value(env.Signature))
	if err != nil || len(signature) == 0 {
		return nil, rejectf("signature is not valid base64")
	}

	if verify(cert, canonical, signature) {
		return env, nil
	}

	// the signer may have rotated its cert since we cached it
	if cached {
		fresh, refreshed, err := a.certs.Refresh(ctx, certURL)
		if err != nil {
			a.log.Warn("⚠️ Signing cert refresh failed", zap.String("url", certURL), zap.Error(err))
		}
		if refreshed && verify(fresh, canonical, signature) {
			return env, nil
		}
	}
	return nil, rejectf("signature verification failed")
}

func (a *Authenticator) validateCertURL(raw string) error {
	if raw == "" {
		return rejectf("missing SigningCertURL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return rejectf("invalid SigningCertURL")
	}
	if u.Scheme != "https" || u.User != nil {
		return rejectf("SigningCertURL must be https")
	}
	host := strings.ToLower(u.Hostname())
	if !inDomain(host, a.cfg.NotificationDomain) || !strings.HasPrefix(host, a.cfg.ServicePrefix) {
		return rejectf("SigningCertURL host %q is not trusted", host)
	}
	if !strings.HasSuffix(u.Path, a.cfg.CertExtension) {
		return rejectf("SigningCertURL is not a %s file", a.cfg.CertExtension)
	}
	return nil
}

func inDomain(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	return domain != "" && strings.HasSuffix(host, "."+domain)
}

// verify tries PKCS#1 v1.5 with SHA-256 first, then SHA-1.
func verify(cert *x509.Certificate, canonical string, signature []byte) bool {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}

	sum256 := sha256.Sum256([]byte(canonical))
	if rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum256[:], signature) == nil {
		return true
	}
	sum1 := sha1.Sum([]byte(canonical))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, sum1[:], signature) == nil
}
