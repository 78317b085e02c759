package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"validatorpass/services/extractd/models"
	"validatorpass/services/extractd/store"
)

const (
	testToken = "s3cret"
	hashOne   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*store.Store, http.Handler) {
	t.Helper()
	st := store.New(setupTestDB(t))
	return st, New(Config{Store: st, BearerToken: testToken, Now: func() time.Time { return testNow }}).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitRequiresBearerToken(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/submissions", `{"tx_hash":"`+hashOne+`","identity":"alice"}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitAndList(t *testing.T) {
	st, h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/submissions", `{"tx_hash":"`+strings.ToUpper(hashOne[2:])+`","identity":"alice"}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code, "hash without 0x prefix is rejected")

	rec = do(t, h, http.MethodPost, "/v1/submissions", `{"tx_hash":"`+hashOne+`","identity":"alice"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var queued submissionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	require.Equal(t, "pending", queued.Status)

	require.NoError(t, st.MarkValid(context.Background(), hashOne, "alice"))
	rec = do(t, h, http.MethodPost, "/v1/submissions", `{"tx_hash":"`+hashOne+`","identity":"alice"}`, true)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/identities/alice/submissions?outstanding=true", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var outstanding struct {
		Submissions []submissionView `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outstanding))
	require.Empty(t, outstanding.Submissions)

	rec = do(t, h, http.MethodGet, "/v1/identities/alice/submissions", "", false)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outstanding))
	require.Len(t, outstanding.Submissions, 1)
	require.Equal(t, "valid", outstanding.Submissions[0].Status)

	rec = do(t, h, http.MethodGet, "/v1/identities/alice/submissions?outstanding=maybe", "", false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListContributions(t *testing.T) {
	st, h := newTestServer(t)
	expiry := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordContribution(context.Background(), &models.Contribution{
		TxDate:            expiry.Add(-60 * 24 * time.Hour),
		Address:           "0x00000000000000000000000000000000000000a1",
		Chain:             "polygon",
		TxHash:            hashOne,
		Amount:            decimal.RequireFromString("7.5"),
		AccessExpiry:      expiry.Unix(),
		AdditionalSeconds: 42 * 86400,
		Identity:          "alice",
	}))

	rec := do(t, h, http.MethodGet, "/v1/identities/alice/contributions", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Contributions []contributionView `json:"contributions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Contributions, 1)
	got := body.Contributions[0]
	require.Equal(t, "7.5", got.Amount)
	require.Equal(t, "polygon", got.Chain)
	require.True(t, got.AccessExpiry.Equal(expiry))
}

func signText(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

func TestConfirmOwnershipVerifiesSignature(t *testing.T) {
	st, h := newTestServer(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	message := OwnershipMessage("alice", addr, testNow.Add(10*time.Minute))
	signature := signText(t, key, message)

	payload := func(identity, address, msg, sig string) string {
		return fmt.Sprintf(`{"identity":%q,"address":%q,"message":%q,"signature":%q}`, identity, address, msg, sig)
	}

	rec := do(t, h, http.MethodPost, "/v1/ownership", payload("alice", addr.Hex(), message+" ", signature), true)
	require.Equal(t, http.StatusBadRequest, rec.Code, "signature over different text")

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	otherAddr := ethcrypto.PubkeyToAddress(other.PublicKey)
	rec = do(t, h, http.MethodPost, "/v1/ownership", payload("alice", otherAddr.Hex(), message, signature), true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/ownership", payload("alice", strings.ToLower(addr.Hex()), message, signature), true)
	require.Equal(t, http.StatusOK, rec.Code)

	owned, err := st.IsOwnedBy(context.Background(), addr, "alice")
	require.NoError(t, err)
	require.True(t, owned)
}

func TestConfirmOwnershipRejectsForeignOrStaleProofs(t *testing.T) {
	st, h := newTestServer(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	_, err = st.ConfirmOwnership(context.Background(), "alice", addr.Hex())
	require.NoError(t, err)

	post := func(identity, message string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"identity":%q,"address":%q,"message":%q,"signature":%q}`,
			identity, addr.Hex(), message, signText(t, key, message))
		return do(t, h, http.MethodPost, "/v1/ownership", body, true)
	}

	cases := map[string]string{
		"arbitrary text":    "I am the owner of this wallet (Session Key: 4f2a)",
		"other identity":    OwnershipMessage("alice", addr, testNow.Add(5*time.Minute)),
		"expired":           OwnershipMessage("mallory", addr, testNow.Add(-time.Second)),
		"too far in future": OwnershipMessage("mallory", addr, testNow.Add(MaxProofLifetime+time.Minute)),
		"extra field":       OwnershipMessage("mallory", addr, testNow.Add(time.Minute)) + "\nnonce: 1",
	}
	for name, message := range cases {
		rec := post("mallory", message)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	owned, err := st.IsOwnedBy(context.Background(), addr, "alice")
	require.NoError(t, err)
	require.True(t, owned, "rejected proofs must not rebind the wallet")

	rec := post("mallory", OwnershipMessage("mallory", addr, testNow.Add(time.Minute)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListWallets(t *testing.T) {
	st, h := newTestServer(t)
	require.NoError(t, st.DB().Create(&models.VerifiedWallet{
		Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Identity: "alice",
	}).Error)
	_, err := st.ConfirmOwnership(context.Background(), "alice", "0x00000000000000000000000000000000000000a1")
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/identities/alice/wallets", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Wallets []string `json:"wallets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.ElementsMatch(t, []string{
		"0x3c499c542cef5e3811e1192ce70d8cc03d5c3359",
		"0x00000000000000000000000000000000000000a1",
	}, body.Wallets)

	rec = do(t, h, http.MethodGet, "/v1/identities/bob/wallets", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"wallets":[]}`, rec.Body.String())
}

func TestRecoverSignerAcceptsBothRecoveryIDForms(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	want := ethcrypto.PubkeyToAddress(key.PublicKey)
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte("hello")), key)
	require.NoError(t, err)

	got, err := RecoverSigner("hello", hexutil.Encode(sig))
	require.NoError(t, err)
	require.Equal(t, want, got)

	sig[64] += 27
	got, err = RecoverSigner("hello", hexutil.Encode(sig))
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = RecoverSigner("hello", "0x1234")
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
}
