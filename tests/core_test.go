package tests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdex/node/core"
	"github.com/hotdex/node/crypto"
	"github.com/hotdex/node/wallet"
)

// TestKeyGenAndAddress verifies that key generation and address derivation work.
func TestKeyGenAndAddress(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, pub.Hex(), 64)
	assert.Len(t, pub.Address(), 40)
	// Roundtrip: derived public key should match.
	assert.Equal(t, pub.Hex(), priv.Public().Hex())
}

// TestSignVerify ensures Sign/Verify round-trips correctly.
func TestSignVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	data := []byte("hello hotdex")
	sig := crypto.Sign(priv, data)
	assert.NoError(t, crypto.Verify(pub, data, sig))
	assert.Error(t, crypto.Verify(pub, []byte("tampered"), sig))
}

// TestBLSThresholdSign verifies that an aggregate of partial BLS signatures
// verifies against the aggregate public key, and fails if a signer is
// dropped from the aggregate.
func TestBLSThresholdSign(t *testing.T) {
	msg := []byte("block proposal digest")

	var sks []*crypto.BLSSecretKey
	var pks []*crypto.BLSPublicKey
	var partials []*crypto.BLSPartialSignature
	for i := 0; i < 4; i++ {
		var ikm [32]byte
		ikm[0] = byte(i + 1)
		sk, err := crypto.GenerateBLSKey(ikm)
		require.NoError(t, err)
		sks = append(sks, sk)
		pks = append(pks, sk.Public())
		partials = append(partials, crypto.BLSSign(sk, msg))
	}

	aggSig, err := crypto.BLSAggregate(partials)
	require.NoError(t, err)
	aggPK, err := crypto.AggregatePublicKeys(pks)
	require.NoError(t, err)

	assert.NoError(t, crypto.BLSVerifyAggregate(aggPK, msg, aggSig))

	// Dropping a signer from the public key aggregate should break
	// verification against the full signature aggregate.
	shortPK, err := crypto.AggregatePublicKeys(pks[:3])
	require.NoError(t, err)
	assert.Error(t, crypto.BLSVerifyAggregate(shortPK, msg, aggSig))
}

// TestTransactionSignVerify ensures transaction signing and verification work.
func TestTransactionSignVerify(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)

	tx, err := w.NewTx(core.TxTransfer, 0, 0, core.TransferPayload{
		To:     "deadbeef",
		Amount: 100,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.NoError(t, tx.Verify())

	// Tamper with the fee to check that verification catches it.
	tx.Fee = 999
	assert.Error(t, tx.Verify())
}

// TestMempool verifies add/remove/pending operations and duplicate rejection.
func TestMempool(t *testing.T) {
	mp := core.NewMempool(10, 100)
	w, err := wallet.Generate()
	require.NoError(t, err)

	tx, err := w.NewTx(core.TxTransfer, 0, 0, core.TransferPayload{To: "aa", Amount: 1})
	require.NoError(t, err)
	require.NoError(t, mp.Add(tx))
	assert.Equal(t, 1, mp.Size())

	// Duplicate should fail.
	assert.Error(t, mp.Add(tx))

	pending := mp.Pending(10)
	assert.Len(t, pending, 1)

	mp.Remove([]string{tx.ID})
	assert.Equal(t, 0, mp.Size())
}
