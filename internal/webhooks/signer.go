package webhooks

import (
	"strconv"
	"time"

	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
)

// Delivery headers shared by dispatcher and receiver.
const (
	HeaderTimestamp     = "x-proxy-timestamp"
	HeaderSignature     = "x-proxy-signature"
	HeaderDedupeKey     = "x-proxy-dedupe-key"
	HeaderDeliveryID    = "x-proxy-delivery-id"
	HeaderArtifactType  = "x-proxy-artifact-type"
	HeaderTenantID      = "x-proxy-tenant-id"
	HeaderDestinationID = "x-proxy-destination-id"
	HeaderProtocol      = "x-settld-protocol"

	ProtocolVersion = "1.0"
)

// Signature computes the delivery HMAC: HMAC-SHA256 over
// canonical({timestamp, bodyJson}).
func Signature(secret []byte, timestamp int64, body []byte) (string, error) {
	parsed, err := canonical.Parse(body)
	if err != nil {
		return "", err
	}
	signed, err := canonical.Marshal(map[string]interface{}{
		"timestamp": timestamp,
		"bodyJson":  parsed,
	})
	if err != nil {
		return "", err
	}
	return crypto.HMACSHA256Hex(secret, signed), nil
}

// VerifySignature checks a delivery signature and the timestamp window.
func VerifySignature(secret []byte, timestampHeader, signature string, body []byte, now time.Time, maxSkew time.Duration) error {
	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return errors.ErrSignatureInvalid.WithMessage("invalid timestamp header").Wrap(err)
	}
	skew := now.UnixMilli() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > maxSkew {
		return errors.ErrTimestampSkew.WithDetails("timestamp", timestamp)
	}

	expected, err := Signature(secret, timestamp, body)
	if err != nil {
		return errors.ErrSignatureInvalid.Wrap(err)
	}
	if !crypto.HMACEqual(expected, signature) {
		return errors.ErrSignatureInvalid
	}
	return nil
}
