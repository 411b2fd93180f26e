package webhook

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testCertURL = "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-abc.pem"
	testTopic   = "arn:aws:sns:us-east-1:123456789012:ses-events"
)

type signer struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &signer{key: key, cert: cert}
}

func (s *signer) sign(t *testing.T, env *Envelope, hash crypto.Hash) {
	t.Helper()
	canonical, _ := CanonicalString(env)

	var digest []byte
	switch hash {
	case crypto.SHA1:
		sum := sha1.Sum([]byte(canonical))
		digest = sum[:]
	default:
		sum := sha256.Sum256([]byte(canonical))
		digest = sum[:]
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, hash, digest)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(sig)
	env.Signature = &encoded
}

func strp(s string) *string { return &s }

func notificationEnvelope(message string) *Envelope {
	return &Envelope{
		Type:             strp(TypeNotification),
		MessageID:        strp("22b80b92-fdea-4c2c-8f9d-bdfb0c7bf324"),
		TopicArn:         strp(testTopic),
		Message:          strp(message),
		Timestamp:        strp("2024-05-01T12:00:00.000Z"),
		SignatureVersion: strp("1"),
		SigningCertURL:   strp(testCertURL),
	}
}

func subscriptionEnvelope() *Envelope {
	return &Envelope{
		Type:             strp(TypeSubscriptionConfirmation),
		MessageID:        strp("165545c9-2a5c-472c-8df2-7ff2be2b3b1b"),
		Token:            strp("2336412f37fb687f5d51e6e241d09c805a5a57b30d712f794cc5f6a988666d92768dd60a747ba6f3beb71854e285d6ad02428b09ceece29417f1f02d609c582afbacc99c583a916b9981dd2728f4ae6fdb82efd087cc3b7849e05798d2d2785c03b0879594eeac82c01f235d0e717736"),
		TopicArn:         strp(testTopic),
		Message:          strp("You have chosen to subscribe to the topic."),
		SubscribeURL:     strp("https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription&TopicArn=x&Token=y"),
		Timestamp:        strp("2024-05-01T12:00:00.000Z"),
		SignatureVersion: strp("1"),
		SigningCertURL:   strp(testCertURL),
	}
}

func encode(t *testing.T, env *Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

// staticFetcher serves certificates in order; the last one repeats.
type staticFetcher struct {
	mu    sync.Mutex
	certs []*x509.Certificate
	err   error
	calls int32
}

func (f *staticFetcher) Fetch(ctx context.Context, url string) (*x509.Certificate, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.certs) == 0 {
		return nil, errors.New("no cert")
	}
	idx := int(n) - 1
	if idx >= len(f.certs) {
		idx = len(f.certs) - 1
	}
	return f.certs[idx], nil
}
