// Package abi implements the bit-stable, 32-byte-word encoding used by the
// two reserved precompile addresses (spot and perpetuals). It is a small,
// purpose-built encoder rather than a reflection-driven general ABI: each
// precompile method has a fixed, known argument list, so there is no need
// for the dynamic-type machinery a general-purpose ABI library carries.
package abi

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// WordSize is the width of every ABI word, matching Ethereum's convention.
const WordSize = 32

// Selector returns the first 4 bytes of the Keccak-256 hash of signature,
// e.g. "placeOrder(string,uint256,uint256,bool)".
func Selector(signature string) [4]byte {
	sum := ethcrypto.Keccak256([]byte(signature))
	var sel [4]byte
	copy(sel[:], sum[:4])
	return sel
}

// Encoder accumulates words for a call's argument or return list.
type Encoder struct {
	words [][]byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Uint256 appends v right-aligned in a 32-byte word.
func (e *Encoder) Uint256(v *uint256.Int) *Encoder {
	var w [WordSize]byte
	if v != nil {
		b := v.Bytes32()
		copy(w[:], b[:])
	}
	e.words = append(e.words, w[:])
	return e
}

// Int64 appends v as a big-endian 256-bit word (non-negative use only; the
// precompile ABIs never encode a signed height/timestamp).
func (e *Encoder) Int64(v int64) *Encoder {
	var w [WordSize]byte
	binary.BigEndian.PutUint64(w[WordSize-8:], uint64(v))
	e.words = append(e.words, w[:])
	return e
}

// Bool appends v as a 0/1 word.
func (e *Encoder) Bool(v bool) *Encoder {
	var w [WordSize]byte
	if v {
		w[WordSize-1] = 1
	}
	e.words = append(e.words, w[:])
	return e
}

// String appends a dynamic string in place: a length word followed by the
// zero-padded data words. No offset word is emitted and the data is not
// moved to a tail section, so the layout differs from the standard
// Solidity ABI head/tail encoding.
func (e *Encoder) String(s string) *Encoder {
	e.words = append(e.words, dynamicStringWord(s))
	return e
}

// dynamicStringWord packs s into a single logical "tail" entry, represented
// here inline since every precompile call has at most one dynamic field
// (the asset/market identifier) — this keeps the encoder a flat word list
// instead of a full head/tail two-pass layout.
func dynamicStringWord(s string) []byte {
	data := []byte(s)
	padded := pad32(data)
	var lenWord [WordSize]byte
	binary.BigEndian.PutUint64(lenWord[WordSize-8:], uint64(len(data)))
	out := make([]byte, 0, WordSize+len(padded))
	out = append(out, lenWord[:]...)
	out = append(out, padded...)
	return out
}

func pad32(b []byte) []byte {
	rem := len(b) % WordSize
	if rem == 0 {
		return b
	}
	return append(append([]byte{}, b...), make([]byte, WordSize-rem)...)
}

// Bytes concatenates all appended words into the final payload.
func (e *Encoder) Bytes() []byte {
	out := make([]byte, 0, len(e.words)*WordSize)
	for _, w := range e.words {
		out = append(out, w...)
	}
	return out
}

// Decoder reads fixed-width words sequentially from a payload.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder wraps data for sequential word reads.
func NewDecoder(data []byte) *Decoder { return &Decoder{data: data} }

func (d *Decoder) word() ([]byte, error) {
	if d.pos+WordSize > len(d.data) {
		return nil, fmt.Errorf("abi: truncated payload at offset %d", d.pos)
	}
	w := d.data[d.pos : d.pos+WordSize]
	d.pos += WordSize
	return w, nil
}

// Uint256 reads the next word as an unsigned 256-bit integer.
func (d *Decoder) Uint256() (*uint256.Int, error) {
	w, err := d.word()
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(w), nil
}

// Int64 reads the next word's low 8 bytes as an int64.
func (d *Decoder) Int64() (int64, error) {
	w, err := d.word()
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(w[WordSize-8:])), nil
}

// Bool reads the next word as a boolean (non-zero is true).
func (d *Decoder) Bool() (bool, error) {
	w, err := d.word()
	if err != nil {
		return false, err
	}
	for _, b := range w {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// String reads a length word followed by the padded string data.
func (d *Decoder) String() (string, error) {
	lenWord, err := d.word()
	if err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint64(lenWord[WordSize-8:])
	padded := (int(n) + WordSize - 1) / WordSize * WordSize
	if d.pos+padded > len(d.data) {
		return "", fmt.Errorf("abi: truncated string payload at offset %d", d.pos)
	}
	s := string(d.data[d.pos : d.pos+int(n)])
	d.pos += padded
	return s, nil
}

// BigUint256 is a convenience conversion for callers that still work in
// math/big at the RPC boundary (e.g. JSON-RPC numeric arguments).
func BigUint256(b *big.Int) *uint256.Int {
	v, _ := uint256.FromBig(b)
	return v
}
