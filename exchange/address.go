package exchange

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"
)

const tronVersionByte = 0x41

var (
	btcSegwitHRPs   = map[string]struct{}{"bc": {}, "tb": {}, "bcrt": {}}
	btcBase58Prefix = map[byte]struct{}{0x00: {}, 0x05: {}, 0x6f: {}, 0xc4: {}}
)

// ValidateAddress checks that addr can receive funds on the network.
func ValidateAddress(network Network, addr string) error {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return &ValidationError{Field: "receive_address", Kind: ErrInvalidAddress, Detail: "address required"}
	}
	var err error
	switch network {
	case NetworkBitcoin:
		err = validateBitcoin(trimmed)
	case NetworkLightning:
		if isLightningAddress(trimmed) {
			return nil
		}
		err = validateBitcoin(trimmed)
	case NetworkTRC20:
		err = validateTron(trimmed)
	default:
		err = fmt.Errorf("unknown network %q", network)
	}
	if err != nil {
		return &ValidationError{Field: "receive_address", Kind: ErrInvalidAddress, Detail: err.Error()}
	}
	return nil
}

func validateBitcoin(addr string) error {
	lower := strings.ToLower(addr)
	if strings.HasPrefix(lower, "bc1") || strings.HasPrefix(lower, "tb1") || strings.HasPrefix(lower, "bcrt1") {
		return validateSegwit(addr)
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return fmt.Errorf("decode base58 address: %w", err)
	}
	if _, ok := btcBase58Prefix[version]; !ok {
		return fmt.Errorf("unexpected base58 version 0x%02x", version)
	}
	if len(payload) != 20 {
		return fmt.Errorf("invalid base58 payload length %d", len(payload))
	}
	return nil
}

func validateSegwit(addr string) error {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("decode bech32 address: %w", err)
	}
	if _, ok := btcSegwitHRPs[hrp]; !ok {
		return fmt.Errorf("unsupported hrp %q", hrp)
	}
	if len(data) < 1 {
		return fmt.Errorf("empty witness data")
	}
	witnessVersion := data[0]
	if witnessVersion > 16 {
		return fmt.Errorf("invalid witness version %d", witnessVersion)
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return fmt.Errorf("decode witness program: %w", err)
	}
	if len(program) < 2 || len(program) > 40 {
		return fmt.Errorf("invalid witness program length %d", len(program))
	}
	if witnessVersion == 0 && len(program) != 20 && len(program) != 32 {
		return fmt.Errorf("invalid v0 witness program length %d", len(program))
	}
	return nil
}

func validateTron(addr string) error {
	if !strings.HasPrefix(addr, "T") {
		return fmt.Errorf("tron address must start with T")
	}
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return fmt.Errorf("decode tron address: %w", err)
	}
	if version != tronVersionByte {
		return fmt.Errorf("unexpected tron version 0x%02x", version)
	}
	if len(payload) != 20 {
		return fmt.Errorf("invalid tron payload length %d", len(payload))
	}
	return nil
}

// isLightningAddress accepts the user@domain form used by Lightning wallets.
func isLightningAddress(addr string) bool {
	user, domain, ok := strings.Cut(addr, "@")
	if !ok || user == "" || strings.ContainsAny(user, " /") {
		return false
	}
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1 && !strings.ContainsAny(domain, " /@")
}
