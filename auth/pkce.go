package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ChallengeS256 derives the S256 code challenge for verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE reports whether verifier satisfies challenge under method.
// The comparison is constant time.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	var computed string
	switch method {
	case MethodS256, "":
		computed = ChallengeS256(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func supportedMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}
