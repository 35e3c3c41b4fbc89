package cache

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec serializes cache values to JSON and transparently compresses
// payloads above a size threshold. Encode and Decode are safe for
// concurrent use.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec compressing payloads larger than threshold bytes
func NewCodec(threshold int) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{
		threshold: threshold,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Encode serializes a value, compressing it when the serialized form
// exceeds the threshold. Returns the stored representation and whether it
// is compressed.
func (c *Codec) Encode(value interface{}) ([]byte, bool, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to serialize value: %w", err)
	}

	if len(payload) <= c.threshold {
		return payload, false, nil
	}

	return c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), true, nil
}

// Payload returns the item's serialized payload, decompressing when needed
func (c *Codec) Payload(it *Item) ([]byte, error) {
	if !it.Metadata.Compressed {
		return it.Data, nil
	}

	payload, err := c.decoder.DecodeAll(it.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return payload, nil
}

// Decode unmarshals the item's payload into dest
func (c *Codec) Decode(it *Item, dest interface{}) error {
	payload, err := c.Payload(it)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("failed to deserialize value: %w", err)
	}
	return nil
}
