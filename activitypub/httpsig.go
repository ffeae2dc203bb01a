package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
)

const requestTarget = "(request-target)"

var (
	getHeaders  = []string{requestTarget, "host", "date"}
	postHeaders = []string{requestTarget, "host", "date", "digest"}
)

// SignatureParams is a parsed Signature header
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ParseSignatureHeader splits a cavage-style Signature header into its
// parameters. Quoted values may contain commas.
func ParseSignatureHeader(h string) (*SignatureParams, error) {
	params := map[string]string{}
	s := strings.TrimSpace(h)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed signature parameter near %q", s)
		}
		name := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimSpace(s[eq+1:])

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated value for %s", name)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		if _, dup := params[name]; dup {
			return nil, fmt.Errorf("duplicate signature parameter %s", name)
		}
		params[name] = value

		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, ",") {
			s = strings.TrimSpace(s[1:])
		} else if s != "" {
			return nil, fmt.Errorf("expected ',' after %s", name)
		}
	}

	p := &SignatureParams{
		KeyID:     params["keyid"],
		Algorithm: params["algorithm"],
		Signature: params["signature"],
	}
	if p.KeyID == "" || p.Signature == "" {
		return nil, fmt.Errorf("signature header requires keyId and signature")
	}
	if hs := strings.TrimSpace(params["headers"]); hs != "" {
		p.Headers = strings.Fields(strings.ToLower(hs))
	} else {
		p.Headers = []string{"date"}
	}
	return p, nil
}

// Covers reports whether header is part of the signing string
func (p *SignatureParams) Covers(header string) bool {
	for _, h := range p.Headers {
		if h == header {
			return true
		}
	}
	return false
}

// checkCoveredHeaders rejects signatures that leave out the request line,
// host, date, or (when a body is sent) its digest.
func checkCoveredHeaders(p *SignatureParams, hasBody bool) error {
	required := getHeaders
	if hasBody {
		required = postHeaders
	}
	for _, h := range required {
		if !p.Covers(h) {
			return fmt.Errorf("signature does not cover %s", h)
		}
	}
	return nil
}

// KeyOwner strips the fragment from a key id: https://a/users/b#main-key -> https://a/users/b
func KeyOwner(keyID string) string {
	owner, _, _ := strings.Cut(keyID, "#")
	return owner
}

// SigningDomain is the host a key id belongs to
func SigningDomain(keyID string) string {
	return domainOf(keyID)
}

// ComputeDigest returns the Digest header value for body
func ComputeDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// CheckDigest verifies the SHA-256 entry of a Digest header against body
func CheckDigest(header string, body []byte) error {
	if header == "" {
		return errors.New("missing digest header")
	}
	hash := sha256.Sum256(body)
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return fmt.Errorf("bad digest encoding: %w", err)
		}
		if subtle.ConstantTimeCompare(got, hash[:]) != 1 {
			return errors.New("digest mismatch")
		}
		return nil
	}
	return errors.New("no SHA-256 digest present")
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}

// SignParams describes an outgoing call to sign
type SignParams struct {
	Actor  *domain.Profile
	KeyID  string
	URL    string
	Body   []byte
	Method string
}

// Signature holds the headers produced by Sign
type Signature struct {
	Date      string
	Digest    string
	Host      string
	Signature string
}

// Apply copies the signature headers onto req
func (s Signature) Apply(req *http.Request) {
	req.Header.Set("Date", s.Date)
	req.Header.Set("Host", s.Host)
	if s.Digest != "" {
		req.Header.Set("Digest", s.Digest)
	}
	req.Header.Set("Signature", s.Signature)
}

// Sign computes the Date, Digest and Signature headers for a call made on
// behalf of p.Actor.
func Sign(p SignParams) (Signature, error) {
	if p.Actor == nil {
		return Signature{}, errors.New("sign: no actor")
	}
	key, err := ParsePrivateKey(p.Actor.PrivateKeyPem)
	if err != nil {
		return Signature{}, err
	}
	method := p.Method
	if method == "" {
		method = http.MethodGet
		if len(p.Body) > 0 {
			method = http.MethodPost
		}
	}
	req, err := http.NewRequest(method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return Signature{}, fmt.Errorf("failed to create request: %w", err)
	}
	if err := SignRequest(req, key, p.KeyID, p.Body); err != nil {
		return Signature{}, err
	}
	return Signature{
		Date:      req.Header.Get("Date"),
		Digest:    req.Header.Get("Digest"),
		Host:      req.Header.Get("Host"),
		Signature: req.Header.Get("Signature"),
	}, nil
}

// SignRequest signs an outgoing HTTP request with the given private key
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyID string, body []byte) error {
	headers := getHeaders
	if len(body) > 0 {
		headers = postHeaders
	} else {
		body = nil
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Del("Digest")

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(privateKey, keyID, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// VerificationKind tells who, if anyone, signed a request
type VerificationKind int

const (
	Unsigned VerificationKind = iota
	VerifiedRemote
	VerifiedLocal
)

func (k VerificationKind) String() string {
	switch k {
	case VerifiedRemote:
		return "verified-remote"
	case VerifiedLocal:
		return "verified-local"
	default:
		return "unsigned"
	}
}

// VerificationResult is what Verify learned about a request
type VerificationResult struct {
	Kind     VerificationKind
	KeyID    string
	ActorURI string
	Domain   string
	Profile  *domain.Profile // set for VerifiedLocal
}

// Verifier checks inbound HTTP signatures
type Verifier struct {
	keys    *KeyResolver
	store   Store
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(keys *KeyResolver, store Store, maxSkew time.Duration) *Verifier {
	return &Verifier{keys: keys, store: store, maxSkew: maxSkew, now: time.Now}
}

// Verify authenticates r. A request without a Signature header is not an
// error; it yields Unsigned so public reads keep working.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (VerificationResult, error) {
	sigs := r.Header.Values("Signature")
	if len(sigs) == 0 {
		return VerificationResult{Kind: Unsigned}, nil
	}
	if len(sigs) > 1 {
		return VerificationResult{}, ErrMultipleSignatures
	}

	dateHeader := r.Header.Get("Date")
	if dateHeader == "" {
		return VerificationResult{}, ErrNoDateProvided
	}
	date, err := http.ParseTime(dateHeader)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%w: bad date %q", ErrSignatureInvalid, dateHeader)
	}
	if v.maxSkew > 0 {
		skew := v.now().Sub(date)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return VerificationResult{}, fmt.Errorf("%w: date %s outside allowed window", ErrSignatureInvalid, dateHeader)
		}
	}

	params, err := ParseSignatureHeader(sigs[0])
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if err := checkCoveredHeaders(params, len(body) > 0); err != nil {
		return VerificationResult{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if len(body) > 0 {
		if err := CheckDigest(r.Header.Get("Digest"), body); err != nil {
			return VerificationResult{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	key, err := v.keys.Resolve(ctx, params.KeyID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%w: key %s: %v", ErrSignatureInvalid, params.KeyID, err)
	}
	if err := verifyWith(r, key.Key); err != nil {
		if key.Local != nil {
			return VerificationResult{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		// the remote may have rotated its key since we cached it
		v.keys.Invalidate(params.KeyID)
		key, err = v.keys.Refresh(ctx, params.KeyID)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("%w: key %s: %v", ErrSignatureInvalid, params.KeyID, err)
		}
		if err := verifyWith(r, key.Key); err != nil {
			return VerificationResult{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	result := VerificationResult{
		KeyID:    params.KeyID,
		ActorURI: key.OwnerURI,
		Domain:   SigningDomain(params.KeyID),
	}
	if key.Local != nil {
		result.Kind = VerifiedLocal
		result.Profile = key.Local
		return result, nil
	}

	result.Kind = VerifiedRemote
	if err := v.store.TouchInstance(ctx, result.Domain, v.now()); err != nil {
		log.Warn("failed to record instance", "domain", result.Domain, "err", err)
	}
	return result, nil
}

// verifyWith runs the cryptographic check. Servers behind net/http lose the
// Host header to r.Host, so it is put back on a copy before verifying.
func verifyWith(r *http.Request, key *rsa.PublicKey) error {
	req := r.Clone(r.Context())
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", r.Host)
	}
	if req.URL.Path == "" {
		req.URL = &url.URL{Path: "/", RawQuery: req.URL.RawQuery}
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	if err := verifier.Verify(key, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
