package calldata

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	selectorLength = 4
	wordLength     = 32
	// TransferPayloadLength is the size of a transfer(address,uint256) call: selector plus two words.
	TransferPayloadLength = selectorLength + 2*wordLength
	// MaxDecimals bounds token precision to what a uint256 amount can express.
	MaxDecimals = 77
)

var (
	// TransferSelector is the 4-byte method id of transfer(address,uint256).
	TransferSelector = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:selectorLength]

	// ErrShortPayload indicates the call payload cannot hold a transfer invocation.
	ErrShortPayload = errors.New("calldata: payload shorter than transfer call")
	// ErrUnexpectedSelector indicates the payload invokes a method other than transfer.
	ErrUnexpectedSelector = errors.New("calldata: payload is not a transfer call")
	// ErrDecimalsOutOfRange is returned when the token precision cannot be represented.
	ErrDecimalsOutOfRange = errors.New("calldata: token decimals out of range")
)

// TransferDecoder extracts the destination and amount of an ERC-20 transfer
// call. Validation logic depends only on this interface so a full ABI decoder
// can be swapped in later.
type TransferDecoder interface {
	Recipient(payload []byte) (common.Address, error)
	Amount(payload []byte, decimals uint8) (decimal.Decimal, error)
}

// Positional decodes transfer(address,uint256) payloads by fixed byte offsets.
type Positional struct{}

var _ TransferDecoder = Positional{}

// Recipient reads the right-aligned address held in the first argument slot.
func (Positional) Recipient(payload []byte) (common.Address, error) {
	if err := checkShape(payload); err != nil {
		return common.Address{}, err
	}
	slot := payload[selectorLength : selectorLength+wordLength]
	return common.BytesToAddress(slot[wordLength-common.AddressLength:]), nil
}

// Amount parses the trailing word as an unsigned 256-bit integer and scales it
// down by 10^decimals. No precision is lost.
func (p Positional) Amount(payload []byte, decimals uint8) (decimal.Decimal, error) {
	raw, err := p.RawAmount(payload)
	if err != nil {
		return decimal.Zero, err
	}
	return Scale(raw, decimals)
}

// RawAmount returns the unscaled integer amount carried in the trailing word.
func (Positional) RawAmount(payload []byte) (*big.Int, error) {
	if err := checkShape(payload); err != nil {
		return nil, err
	}
	word := payload[len(payload)-wordLength:]
	return new(uint256.Int).SetBytes32(word).ToBig(), nil
}

// Scale converts a raw token integer into its human readable amount.
func Scale(raw *big.Int, decimals uint8) (decimal.Decimal, error) {
	if decimals > MaxDecimals {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrDecimalsOutOfRange, decimals)
	}
	if raw == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)), nil
}

// Unscale is the inverse of Scale. Fractional digits beyond the token
// precision are truncated.
func Unscale(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// EncodeTransfer builds a transfer(address,uint256) payload.
func EncodeTransfer(to common.Address, raw *big.Int) []byte {
	payload := make([]byte, 0, TransferPayloadLength)
	payload = append(payload, TransferSelector...)
	payload = append(payload, common.LeftPadBytes(to.Bytes(), wordLength)...)
	var amount uint256.Int
	if raw != nil {
		amount.SetFromBig(raw)
	}
	word := amount.Bytes32()
	return append(payload, word[:]...)
}

func checkShape(payload []byte) error {
	if len(payload) < TransferPayloadLength {
		return fmt.Errorf("%w: have %d bytes want %d", ErrShortPayload, len(payload), TransferPayloadLength)
	}
	if !bytes.Equal(payload[:selectorLength], TransferSelector) {
		return ErrUnexpectedSelector
	}
	return nil
}
