/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 24 16:42:12 2017 mstenber
 * Last modified: Wed Feb 13 10:22:15 2019 mstenber
 * Edit time:     112 min
 *
 */

// codec library is responsible for transforming data + additionalData
// to different kind of data. In the coordinator it is used to protect
// the journal records: compress them, authenticate them against
// tampering and reordering (the sequence number is the additional
// data), and optionally encrypt them.
//
// CodecChain makes it possible to combine multiple Codecs that do the
// particular sub-EncodeBytes/DecodeBytes steps.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"log"

	"github.com/golang/snappy"
	"github.com/jacobsa/crypto/cmac"
	"github.com/minio/sha256-simd"
	"github.com/pierrec/lz4"
	"golang.org/x/crypto/pbkdf2"
)

// Codec
//
// Single transformation of byte slices.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

var ErrAuthentication = errors.New("codec: authentication failed")

func deriveKey(password, salt []byte, iter int) []byte {
	return pbkdf2.Key(password, salt, iter, 32, sha256.New)
}

// EncryptingCodec
//
// AES GCM based encrypting/decrypting (+authenticating) Codec.
type EncryptingCodec struct {
	gcm cipher.AEAD
	// Main key
	mk []byte
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	self.mk = deriveKey(password, salt, iter)
	block, err := aes.NewCipher(self.mk)
	if err != nil {
		log.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Fatal(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	var ed EncryptedData
	if err = unmarshal(data, &ed); err != nil {
		return
	}
	ret, err = self.gcm.Open(nil, ed.Nonce, ed.EncryptedData, additionalData)
	return
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ciphertext := self.gcm.Seal(nil, nonce, data, additionalData)
	return marshal(&EncryptedData{Nonce: nonce, EncryptedData: ciphertext})
}

// AuthenticatingCodec
//
// AES-CMAC over data + additionalData. The data itself stays
// readable; only tampering (or replay at another position) is
// detected.
type AuthenticatingCodec struct {
	mk []byte
}

func (self AuthenticatingCodec) Init(password, salt []byte, iter int) *AuthenticatingCodec {
	self.mk = deriveKey(password, salt, iter)
	return &self
}

func (self *AuthenticatingCodec) mac(data, additionalData []byte) []byte {
	h, err := cmac.New(self.mk)
	if err != nil {
		log.Panic(err)
	}
	h.Write(additionalData)
	h.Write(data)
	return h.Sum(nil)
}

func (self *AuthenticatingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	var ad AuthenticatedData
	if err = unmarshal(data, &ad); err != nil {
		return
	}
	if !bytes.Equal(ad.MAC, self.mac(ad.Data, additionalData)) {
		err = ErrAuthentication
		return
	}
	ret = ad.Data
	return
}

func (self *AuthenticatingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	return marshal(&AuthenticatedData{Data: data, MAC: self.mac(data, additionalData)})
}

// CompressingCodec
//
// On-the-fly compressing Codec. If the result does not improve, the
// result is marked to be plaintext and passed as-is.
type CompressingCodec struct {
	// Algorithm is either "lz4" (default) or "snappy".
	Algorithm string
}

// largestCompressionSize bounds the buffer a (corrupt) envelope can
// make us allocate.
const largestCompressionSize = 1024000000

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	var cd CompressedData
	if err = unmarshal(data, &cd); err != nil {
		return
	}
	switch cd.CompressionType {
	case CompressionTypePlain:
		ret = cd.RawData
	case CompressionTypeLZ4:
		if cd.RawSize < 0 || cd.RawSize > largestCompressionSize {
			err = fmt.Errorf("codec: invalid raw size %d", cd.RawSize)
			return
		}
		ret = make([]byte, cd.RawSize)
		var n int
		n, err = lz4.UncompressBlock(cd.RawData, ret)
		if err != nil {
			return
		}
		ret = ret[:n]
	case CompressionTypeSnappy:
		ret, err = snappy.Decode(nil, cd.RawData)
	default:
		err = fmt.Errorf("codec: unknown compression type %d", cd.CompressionType)
	}
	return
}

func (self *CompressingCodec) compress(data []byte) (CompressionType, []byte, error) {
	switch self.Algorithm {
	case "snappy":
		rd := snappy.Encode(nil, data)
		if len(rd) >= len(data) {
			return CompressionTypePlain, data, nil
		}
		return CompressionTypeSnappy, rd, nil
	case "", "lz4":
		rd := make([]byte, len(data))
		hashTable := make([]int, 1<<16)
		n, err := lz4.CompressBlock(data, rd, hashTable)
		if err != nil || n == 0 || n >= len(data) {
			// too small destination == incompressible
			return CompressionTypePlain, data, nil
		}
		return CompressionTypeLZ4, rd[:n], nil
	}
	return CompressionTypeUnset, nil, fmt.Errorf("codec: unknown algorithm %s", self.Algorithm)
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ct, rd, err := self.compress(data)
	if err != nil {
		return
	}
	return marshal(&CompressedData{CompressionType: ct, RawSize: len(data), RawData: rd})
}

type CodecChain struct {
	codecs, reverseCodecs []Codec
}

// Init method initializes the codec chain.
//
// codecs are given in decryption order, so e.g.
// encrypting one should be given before compressing one.
func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	// Reverse the codec slice for encryption purposes
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}
