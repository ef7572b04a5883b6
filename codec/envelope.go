/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 09:52:12 2019 mstenber
 * Last modified: Wed Feb 13 10:05:41 2019 mstenber
 * Edit time:     8 min
 *
 */

package codec

import "github.com/ugorji/go/codec"

type CompressionType byte

const (
	CompressionTypeUnset CompressionType = iota
	CompressionTypePlain
	CompressionTypeLZ4
	CompressionTypeSnappy
)

type EncryptedData struct {
	Nonce         []byte
	EncryptedData []byte
}

type CompressedData struct {
	CompressionType CompressionType
	RawSize         int
	RawData         []byte
}

type AuthenticatedData struct {
	Data []byte
	MAC  []byte
}

var handle codec.MsgpackHandle

func init() {
	handle.RawToString = false
}

func marshal(v interface{}) (ret []byte, err error) {
	err = codec.NewEncoderBytes(&ret, &handle).Encode(v)
	return
}

func unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, &handle).Decode(v)
}
