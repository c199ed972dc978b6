package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"strconv"
	"time"
)

// Signature errors.
var (
	ErrSignatureInvalid = errors.New("storage: invalid signature")
	ErrSignatureExpired = errors.New("storage: signature expired")
)

// Signer produces and checks time-bounded blob download URLs.
type Signer struct {
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewSigner creates a Signer that emits URLs under baseURL + "/blobs/".
func NewSigner(baseURL string, key []byte) *Signer {
	return &Signer{baseURL: baseURL, key: key, now: time.Now}
}

// Sign returns the download URL for ref, valid for ttl.
func (s *Signer) Sign(ref string, ttl time.Duration) string {
	expires := s.now().Add(ttl).Unix()
	u, err := url.Parse(s.baseURL)
	if err != nil {
		u = &url.URL{}
	}
	u.Path = path.Join("/", u.Path, "blobs", ref)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.mac(ref, expires))
	u.RawQuery = q.Encode()
	return u.String()
}

// Verify checks the expires/sig pair presented for ref.
func (s *Signer) Verify(ref, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := s.mac(ref, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrSignatureExpired
	}
	return nil
}

func (s *Signer) mac(ref string, expires int64) string {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(ref))
	m.Write([]byte{'\n'})
	m.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(m.Sum(nil))
}
