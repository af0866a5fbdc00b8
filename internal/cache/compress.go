package cache

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// payloadDecoder returns the shared zstd decoder. Rehydrated containers may
// be compressed even when the current manager writes raw payloads.
func payloadDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// newPayloadEncoder creates an encoder for the given zstd level (1-22).
func newPayloadEncoder(level int) (*zstd.Encoder, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc, nil
}

// decodePayload reverses the payload encoding recorded in a header.
func decodePayload(encoding string, data []byte) ([]byte, error) {
	switch encoding {
	case "":
		return data, nil
	case EncodingZstd:
		dec, err := payloadDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("%w: unknown payload encoding %q", ErrCorruptContainer, encoding)
	}
}
