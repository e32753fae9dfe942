package webhook

import (
	"errors"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v68/github"
)

var (
	// ErrMissingSignature means the delivery carried no signature header
	ErrMissingSignature = errors.New("webhook signature is missing")

	// ErrInvalidSignature means the signature does not match the body
	ErrInvalidSignature = errors.New("webhook signature is invalid")
)

// SignatureFromHeaders returns the delivery signature, preferring the
// SHA-256 header over the legacy SHA-1 one.
func SignatureFromHeaders(h http.Header) string {
	if sig := h.Get(gh.SHA256SignatureHeader); sig != "" {
		return sig
	}
	return h.Get(gh.SHA1SignatureHeader)
}

// VerifySignature checks a "sha256=" or "sha1=" signature against the HMAC
// of body keyed by secret.
func VerifySignature(body []byte, signature string, secret []byte) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if err := gh.ValidateSignature(signature, body, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
