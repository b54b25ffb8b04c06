// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the algorithm of a frame. Values are stored on disk
// and must not change.
type Tag uint8

const (
	TagNone Tag = 0
	TagLZ4  Tag = 1
	TagZstd Tag = 2
)

// MaxFrameSize bounds the uncompressed length a frame may declare.
// Snapshot files are far smaller; anything larger is corruption.
const MaxFrameSize = 256 << 20

// ErrCorrupt is returned for frames that cannot be decoded.
var ErrCorrupt = errors.New("compression: corrupt frame")

var errIncompressible = errors.New("incompressible")

func (tag Tag) String() string {
	switch tag {
	case TagNone:
		return "none"
	case TagLZ4:
		return "lz4"
	case TagZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseTag parses the configuration spelling of a tag.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return TagNone, nil
	case "lz4":
		return TagLZ4, nil
	case "zstd":
		return TagZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4 or zstd)", name)
	}
}

// Zstd encoder and decoder are safe for concurrent use and costly to
// build, so they are shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compression: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		panic("compression: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode wraps data in a frame compressed with tag.
func Encode(data []byte, tag Tag) ([]byte, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("compression: %d bytes exceeds frame limit", len(data))
	}

	payload := data
	used := TagNone
	switch tag {
	case TagNone:
	case TagLZ4, TagZstd:
		compressed, err := compress(data, tag)
		switch {
		case err == nil:
			payload, used = compressed, tag
		case errors.Is(err, errIncompressible):
		default:
			return nil, err
		}
	default:
		return nil, fmt.Errorf("compression: unsupported tag %s", tag)
	}

	frame := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	frame = append(frame, byte(used))
	frame = binary.AppendUvarint(frame, uint64(len(data)))
	return append(frame, payload...), nil
}

// Decode unwraps a frame produced by Encode.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(frame))
	}
	tag := Tag(frame[0])
	size, headerLength := binary.Uvarint(frame[1:])
	if headerLength <= 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: bad length header", ErrCorrupt)
	}
	payload := frame[1+headerLength:]

	var (
		data []byte
		err  error
	)
	switch tag {
	case TagNone:
		data = payload
	case TagLZ4:
		data = make([]byte, size)
		var read int
		read, err = lz4.UncompressBlock(payload, data)
		data = data[:max(read, 0)]
	case TagZstd:
		data, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
	default:
		return nil, fmt.Errorf("%w: unknown tag %s", ErrCorrupt, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, tag, err)
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("%w: %s produced %d bytes, header says %d", ErrCorrupt, tag, len(data), size)
	}
	return data, nil
}

func compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case TagLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case TagZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	}
	return nil, fmt.Errorf("compression: unsupported tag %s", tag)
}
