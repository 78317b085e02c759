package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrSignerMismatch is returned when a signature was produced by a different key.
	ErrSignerMismatch = errors.New("signature does not match address")
	// ErrMalformedProof rejects messages not built by OwnershipMessage.
	ErrMalformedProof = errors.New("ownership message is malformed")
	// ErrProofMismatch rejects proofs signed for another identity or address.
	ErrProofMismatch = errors.New("ownership message does not name this identity and address")
	// ErrProofExpired rejects proofs outside their validity window.
	ErrProofExpired = errors.New("ownership message expired")
)

const ownershipHeader = "validatorpass wallet ownership"

// MaxProofLifetime bounds how far in the future a proof may expire.
const MaxProofLifetime = 30 * time.Minute

// OwnershipMessage is the text a wallet signs to bind itself to identity.
func OwnershipMessage(identity string, address common.Address, expires time.Time) string {
	return fmt.Sprintf("%s\nidentity: %s\naddress: %s\nexpires: %d",
		ownershipHeader, strings.TrimSpace(identity), strings.ToLower(address.Hex()), expires.Unix())
}

// CheckOwnershipMessage validates that message binds address to identity and
// has not expired at now.
func CheckOwnershipMessage(message, identity string, address common.Address, now time.Time) error {
	lines := strings.Split(strings.ReplaceAll(message, "\r\n", "\n"), "\n")
	if len(lines) != 4 || strings.TrimSpace(lines[0]) != ownershipHeader {
		return ErrMalformedProof
	}
	fields := make(map[string]string, 3)
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return ErrMalformedProof
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	rawAddr, rawExpires := fields["address"], fields["expires"]
	if len(fields) != 3 || fields["identity"] == "" || !common.IsHexAddress(rawAddr) || rawExpires == "" {
		return ErrMalformedProof
	}
	expires, err := strconv.ParseInt(rawExpires, 10, 64)
	if err != nil {
		return ErrMalformedProof
	}
	if fields["identity"] != strings.TrimSpace(identity) || common.HexToAddress(rawAddr) != address {
		return ErrProofMismatch
	}
	if expires <= now.Unix() || expires > now.Add(MaxProofLifetime).Unix() {
		return ErrProofExpired
	}
	return nil
}

// RecoverSigner returns the address that produced a personal_sign (EIP-191)
// signature over message. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(message string, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signatureHex))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", ethcrypto.SignatureLength)
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyOwnership checks that message is a live proof binding address to
// identity and that address signed it.
func VerifyOwnership(identity string, address common.Address, message, signatureHex string, now time.Time) error {
	if err := CheckOwnershipMessage(message, identity, address, now); err != nil {
		return err
	}
	signer, err := RecoverSigner(message, signatureHex)
	if err != nil {
		return err
	}
	if signer != address {
		return ErrSignerMismatch
	}
	return nil
}
