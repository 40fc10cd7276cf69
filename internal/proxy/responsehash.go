package proxy

import (
	"strings"

	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/crypto"
)

// ResponseHash computes the settlement anchor for an upstream response body.
// JSON bodies hash through their canonical form so formatting differences
// between retries cannot change the hash; anything else hashes raw.
func ResponseHash(contentType string, body []byte) string {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		parsed, err := canonical.Parse(body)
		if err == nil {
			if hash, hashErr := canonical.Hash(parsed); hashErr == nil {
				return hash
			}
		}
	}
	return crypto.SHA256Hex(body)
}
