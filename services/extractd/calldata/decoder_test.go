package calldata

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var sink = common.HexToAddress("0x440a948af13fe3b4dd1b341e2aa834f81bf6ff51")

func TestAmountScalesBySixDecimals(t *testing.T) {
	payload := EncodeTransfer(sink, big.NewInt(5_000_000))

	amount, err := Positional{}.Amount(payload, 6)
	require.NoError(t, err)
	require.True(t, amount.Equal(decimal.NewFromInt(5)), "got %s", amount)
}

func TestRecipientReadsFirstSlot(t *testing.T) {
	payload := EncodeTransfer(sink, big.NewInt(1))

	recipient, err := Positional{}.Recipient(payload)
	require.NoError(t, err)
	require.Equal(t, sink, recipient)
}

func TestAmountRoundTrip(t *testing.T) {
	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	raws := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(2_500_000),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		new(big.Int).Mul(big.NewInt(123456789), new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)),
		huge,
	}
	for _, decimals := range []uint8{0, 6, 8, 18} {
		for _, raw := range raws {
			payload := EncodeTransfer(sink, raw)
			amount, err := Positional{}.Amount(payload, decimals)
			require.NoError(t, err)
			require.Zero(t, raw.Cmp(Unscale(amount, decimals)), "decimals=%d raw=%s amount=%s", decimals, raw, amount)
		}
	}
}

func TestShortPayloadRejected(t *testing.T) {
	payload := EncodeTransfer(sink, big.NewInt(10))

	_, err := Positional{}.Recipient(payload[:35])
	require.ErrorIs(t, err, ErrShortPayload)
	_, err = Positional{}.Amount(payload[:TransferPayloadLength-1], 6)
	require.ErrorIs(t, err, ErrShortPayload)
	_, err = Positional{}.Amount(nil, 6)
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestApproveCallRejected(t *testing.T) {
	payload := EncodeTransfer(sink, big.NewInt(10))
	copy(payload, gethcrypto.Keccak256([]byte("approve(address,uint256)"))[:4])

	_, err := Positional{}.Recipient(payload)
	if !errors.Is(err, ErrUnexpectedSelector) {
		t.Fatalf("expected selector error, got %v", err)
	}
}

func TestTrailingBytesUseLastWord(t *testing.T) {
	payload := EncodeTransfer(sink, big.NewInt(7))
	payload = append(payload[:TransferPayloadLength-32], make([]byte, 32)...)
	payload = append(payload, common.LeftPadBytes(big.NewInt(9).Bytes(), 32)...)

	raw, err := Positional{}.RawAmount(payload)
	require.NoError(t, err)
	require.Equal(t, int64(9), raw.Int64())
}

func TestScaleRejectsOversizedDecimals(t *testing.T) {
	_, err := Scale(big.NewInt(1), MaxDecimals+1)
	require.ErrorIs(t, err, ErrDecimalsOutOfRange)
}
