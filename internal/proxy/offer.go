package proxy

import (
	"strconv"
	"strings"

	"settld-gateway/pkg/errors"
)

// Offer is the parsed x-payment-required header: semicolon-separated k=v
// pairs. Unknown keys are tolerated; amount aliases are accepted in priority
// order.
type Offer struct {
	AmountCents        int64
	Currency           string
	ProviderID         string
	ToolID             string
	QuoteID            string
	QuoteRequired      bool
	RequestBindingMode string
	SpendAuthMode      string
	Raw                string
}

// ParseOffer decodes the offer header. A missing or unparseable amount fails
// closed: no gate can be created without a price.
func ParseOffer(header string) (Offer, error) {
	offer := Offer{Raw: header, Currency: "USD"}
	if strings.TrimSpace(header) == "" {
		return offer, errors.ErrInvalidInput.WithMessage("empty x-payment-required header")
	}

	pairs := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		pairs[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}

	amount, err := parseAmount(pairs)
	if err != nil {
		return offer, err
	}
	offer.AmountCents = amount

	if v, ok := pairs["currency"]; ok && v != "" {
		offer.Currency = strings.ToUpper(v)
	}
	offer.ProviderID = pairs["providerId"]
	offer.ToolID = pairs["toolId"]
	offer.QuoteID = pairs["quoteId"]
	offer.RequestBindingMode = pairs["requestBindingMode"]
	offer.SpendAuthMode = pairs["spendAuthorizationMode"]
	if v, ok := pairs["quoteRequired"]; ok {
		offer.QuoteRequired = strings.EqualFold(v, "true") || v == "1"
	}
	return offer, nil
}

func parseAmount(pairs map[string]string) (int64, error) {
	for _, key := range []string{"amountCents", "amount_cents", "priceCents"} {
		if v, ok := pairs[key]; ok {
			cents, err := strconv.ParseInt(v, 10, 64)
			if err != nil || cents <= 0 {
				return 0, errors.ErrInvalidInput.WithDetails(key, v)
			}
			return cents, nil
		}
	}
	// "price" is a decimal major-unit amount.
	if v, ok := pairs["price"]; ok {
		major, err := strconv.ParseFloat(strings.TrimPrefix(v, "$"), 64)
		if err != nil || major <= 0 {
			return 0, errors.ErrInvalidInput.WithDetails("price", v)
		}
		return int64(major*100 + 0.5), nil
	}
	return 0, errors.ErrInvalidInput.WithMessage("offer names no amount")
}
