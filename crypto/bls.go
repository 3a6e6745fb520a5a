package crypto

import (
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// domainTag separates consensus-vote signatures from any other use of BLS
// in this process, per the standard BLS12-381 ciphersuite convention.
var domainTag = []byte("hotdex-hotstuff-vote-v1")

// BLSSecretKey is a validator's threshold-signing key share.
type BLSSecretKey struct {
	sk blst.SecretKey
}

// BLSPublicKey is the public counterpart of a BLSSecretKey, living in G1.
type BLSPublicKey struct {
	pk blst.P1Affine
}

// BLSPartialSignature is a single validator's signature over a (block_hash,
// view) pair, living in G2. Constant-size regardless of how many validators
// eventually aggregate it (spec §4.1).
type BLSPartialSignature struct {
	sig blst.P2Affine
}

// BLSAggregateSignature is the combination of >= n-f partial signatures
// into a single constant-size signature, used as a QuorumCertificate's
// aggregated signature.
type BLSAggregateSignature struct {
	sig blst.P2Affine
}

// GenerateBLSKey derives a new secret key from 32 bytes of local entropy.
func GenerateBLSKey(ikm [32]byte) (*BLSSecretKey, error) {
	sk := blst.KeyGen(ikm[:])
	if sk == nil {
		return nil, errors.New("bls: key generation failed")
	}
	return &BLSSecretKey{sk: *sk}, nil
}

// Public derives the public key for sk.
func (sk *BLSSecretKey) Public() *BLSPublicKey {
	pk := new(blst.P1Affine).From(&sk.sk)
	return &BLSPublicKey{pk: *pk}
}

// Serialize returns the compressed 32-byte encoding of the secret key.
func (sk *BLSSecretKey) Serialize() []byte {
	return sk.sk.Serialize()
}

// BLSSecretKeyFromBytes decodes a compressed secret key.
func BLSSecretKeyFromBytes(b []byte) (*BLSSecretKey, error) {
	sk := new(blst.SecretKey)
	if err := sk.Deserialize(b); err != nil {
		return nil, fmt.Errorf("bls: invalid secret key bytes: %w", err)
	}
	return &BLSSecretKey{sk: *sk}, nil
}

// Serialize returns the compressed 48-byte encoding of the public key.
func (pk *BLSPublicKey) Serialize() []byte {
	return pk.pk.Compress()
}

// BLSPublicKeyFromBytes decodes a compressed public key.
func BLSPublicKeyFromBytes(b []byte) (*BLSPublicKey, error) {
	pk := new(blst.P1Affine).Uncompress(b)
	if pk == nil || !pk.KeyValidate() {
		return nil, errors.New("bls: invalid public key bytes")
	}
	return &BLSPublicKey{pk: *pk}, nil
}

// Serialize returns the compressed 96-byte encoding of the signature.
func (s *BLSPartialSignature) Serialize() []byte {
	return s.sig.Compress()
}

// BLSSign produces a partial signature over msg (block_hash||view, per
// spec §3's Vote schema). Side-effect-free: the secret key is read-only.
func BLSSign(sk *BLSSecretKey, msg []byte) *BLSPartialSignature {
	sig := new(blst.P2Affine).Sign(&sk.sk, msg, domainTag)
	return &BLSPartialSignature{sig: *sig}
}

// BLSVerify checks a single partial signature against a public key and
// message. Used both to validate incoming Votes and, via aggregation, QCs.
func BLSVerify(pk *BLSPublicKey, msg []byte, sig *BLSPartialSignature) error {
	if !sig.sig.Verify(true, &pk.pk, true, msg, domainTag) {
		return errors.New("bls: signature verification failed")
	}
	return nil
}

// BLSPartialSignatureFromBytes decodes a compressed partial signature.
func BLSPartialSignatureFromBytes(b []byte) (*BLSPartialSignature, error) {
	sig := new(blst.P2Affine).Uncompress(b)
	if sig == nil || !sig.SigValidate(false) {
		return nil, errors.New("bls: invalid signature bytes")
	}
	return &BLSPartialSignature{sig: *sig}, nil
}

// BLSAggregate combines the given partial signatures into a single
// constant-size aggregate signature (the caller tracks which validators
// signed, e.g. in a QC's signer bitmap). Order-independent:
// the aggregator is a commutative group operation (spec §5, "QC aggregator
// is commutative over BLS partials").
func BLSAggregate(partials []*BLSPartialSignature) (*BLSAggregateSignature, error) {
	if len(partials) == 0 {
		return nil, errors.New("bls: cannot aggregate zero signatures")
	}
	sigs := make([]*blst.P2Affine, len(partials))
	for i, p := range partials {
		sigs[i] = &p.sig
	}
	var agg blst.P2Aggregate
	if !agg.Aggregate(sigs, true) {
		return nil, errors.New("bls: aggregation failed")
	}
	return &BLSAggregateSignature{sig: *agg.ToAffine()}, nil
}

// AggregatePublicKeys combines the public keys of a signer set into a
// single key suitable for AggregateAndVerify-style verification of a QC
// formed over one common message.
func AggregatePublicKeys(pks []*BLSPublicKey) (*BLSPublicKey, error) {
	if len(pks) == 0 {
		return nil, errors.New("bls: cannot aggregate zero public keys")
	}
	keys := make([]*blst.P1Affine, len(pks))
	for i, pk := range pks {
		keys[i] = &pk.pk
	}
	var agg blst.P1Aggregate
	if !agg.Aggregate(keys, true) {
		return nil, errors.New("bls: public key aggregation failed")
	}
	return &BLSPublicKey{pk: *agg.ToAffine()}, nil
}

// BLSVerifyAggregate checks an aggregate signature against the aggregated
// public key of the signer set, all over the single message msg (a QC
// always certifies one block_hash||view, spec §4.1).
func BLSVerifyAggregate(aggPK *BLSPublicKey, msg []byte, aggSig *BLSAggregateSignature) error {
	if !aggSig.sig.Verify(true, &aggPK.pk, true, msg, domainTag) {
		return errors.New("bls: aggregate signature verification failed")
	}
	return nil
}

// Serialize returns the compressed 96-byte encoding of the aggregate signature.
func (s *BLSAggregateSignature) Serialize() []byte {
	return s.sig.Compress()
}

// BLSAggregateSignatureFromBytes decodes a compressed aggregate signature.
func BLSAggregateSignatureFromBytes(b []byte) (*BLSAggregateSignature, error) {
	sig := new(blst.P2Affine).Uncompress(b)
	if sig == nil || !sig.SigValidate(false) {
		return nil, errors.New("bls: invalid aggregate signature bytes")
	}
	return &BLSAggregateSignature{sig: *sig}, nil
}
