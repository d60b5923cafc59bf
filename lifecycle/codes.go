package lifecycle

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const purchasePrefix = "PURCHASE_"

var sessionCodeSpace = big.NewInt(1_000_000)

// newSessionCode returns a kiosk-typable code of the form NNN-NNN.
func newSessionCode() (string, error) {
	n, err := rand.Int(rand.Reader, sessionCodeSpace)
	if err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}
	v := n.Int64()
	return fmt.Sprintf("%03d-%03d", v/1000, v%1000), nil
}

// newPurchaseCode returns PURCHASE_ followed by eight upper-case hex digits.
func newPurchaseCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate purchase code: %w", err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return purchasePrefix + strings.ToUpper(hex[:8]), nil
}
