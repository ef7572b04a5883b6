/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 24 17:15:30 2017 mstenber
 * Last modified: Wed Feb 13 10:31:02 2019 mstenber
 * Edit time:     71 min
 *
 */

package codec

import (
	"crypto/rand"
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/stvp/assert"
)

const compressible = "123456789123456789123456789123456789123456789123456789123456789123456789123456789123456789123456789"

// repetitive is long enough for the envelope overhead not to matter.
var repetitive = strings.Repeat(compressible, 20)

func ProdCodecOnce(text string, c Codec, t *testing.T) {
	p := []byte(text)
	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	dec, err := c.DecodeBytes(enc, nil)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)

}

func ProdCodec(c Codec, t *testing.T) {
	ProdCodecOnce("foo", c, t)
	ProdCodecOnce(compressible, c, t)
}

func TestEncryptingCodec(t *testing.T) {
	t.Parallel()
	p := []byte("data")
	ad := []byte("ad")

	c := EncryptingCodec{}.Init([]byte("foo"), []byte("salt"), 64)

	// 'any codec' handling
	ProdCodec(c, t)

	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)

	// Additional data must match
	_, err2 := c.DecodeBytes(enc, ad)
	assert.True(t, err2 != nil)

	// Same payload does not encrypt the same way
	enc2, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	assert.NotEqual(t, enc, enc2)

	// But it still can be decrypted
	dec, err := c.DecodeBytes(enc2, nil)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)

	enc3, err := c.EncodeBytes(p, ad)
	assert.Nil(t, err)
	dec, err = c.DecodeBytes(enc3, ad)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)
}

func TestAuthenticatingCodec(t *testing.T) {
	t.Parallel()
	c := AuthenticatingCodec{}.Init([]byte("foo"), []byte("salt"), 64)
	ProdCodec(c, t)

	enc, err := c.EncodeBytes([]byte("record"), []byte{1})
	assert.Nil(t, err)
	_, err = c.DecodeBytes(enc, []byte{2})
	assert.Equal(t, err, ErrAuthentication)
	dec, err := c.DecodeBytes(enc, []byte{1})
	assert.Nil(t, err)
	assert.Equal(t, dec, []byte("record"))
}

func TestCompressingCodec(t *testing.T) {
	t.Parallel()
	for _, alg := range []string{"", "lz4", "snappy"} {
		c := &CompressingCodec{Algorithm: alg}
		ProdCodec(c, t)

		p := []byte(repetitive)
		enc, err := c.EncodeBytes(p, nil)
		assert.Nil(t, err)
		assert.True(t, len(enc) < len(repetitive)/2, alg)
		dec, err := c.DecodeBytes(enc, nil)
		assert.Nil(t, err)
		assert.Equal(t, string(dec), repetitive)
	}
	c := &CompressingCodec{Algorithm: "zip"}
	_, err := c.EncodeBytes([]byte("x"), nil)
	assert.True(t, err != nil)
}

func TestNopCodecChain(t *testing.T) {
	t.Parallel()
	c := &CodecChain{}
	ProdCodec(c, t)
}

func TestCodecChain(t *testing.T) {
	t.Parallel()
	c1 := EncryptingCodec{}.Init([]byte("foo"), []byte("salt"), 64)
	c2 := &CompressingCodec{}
	c := CodecChain{}.Init(c1, c2)
	ProdCodec(c, t)

	p := []byte(repetitive)
	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(repetitive)/2)
}

func BenchmarkCodec(b *testing.B) {
	runEncode := func(b *testing.B, c Codec, p []byte) {
		b.SetBytes(int64(len(p)))
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			enc, err := c.EncodeBytes(p, nil)
			if err != nil || enc == nil {
				log.Panic(err)
			}
		}
	}
	runDecode := func(b *testing.B, c Codec, p []byte) {
		b.SetBytes(int64(len(p)))
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			dec, err := c.DecodeBytes(p, nil)
			if err != nil || dec == nil {
				log.Panic(err)
			}
		}
	}
	add := func(c Codec, prefix string) {
		p1 := make([]byte, 1024)
		_, err := rand.Read(p1)
		if err != nil {
			log.Panic(err)
		}
		p2 := make([]byte, 1024)
		for _, v := range []struct {
			name string
			data []byte
		}{{"Random", p1}, {"Zeros", p2}} {
			data := v.data
			b.Run(fmt.Sprintf("Encode-%s-%s", prefix, v.name), func(b *testing.B) {
				runEncode(b, c, data)
			})
			enc, _ := c.EncodeBytes(data, nil)
			b.Run(fmt.Sprintf("Decode-%s-%s", prefix, v.name), func(b *testing.B) {
				runDecode(b, c, enc)
			})
		}
	}
	c1 := EncryptingCodec{}.Init([]byte("foo"), []byte("salt"), 64)
	c2 := &CompressingCodec{}
	c3 := &CompressingCodec{Algorithm: "snappy"}
	c4 := AuthenticatingCodec{}.Init([]byte("foo"), []byte("salt"), 64)
	add(c1, "AES")
	add(c2, "LZ4")
	add(c3, "Snappy")
	add(c4, "CMAC")
	add(CodecChain{}.Init(c1, c2), "AES+LZ4")
}
