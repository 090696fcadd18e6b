// Package artifact reads and writes the JSON files exchanged between pipeline
// stages, optionally zstd-compressed.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	ExtJSON = ".json"
	ExtZstd = ".json.zst"
)

var ErrExtension = errors.New("artifact path must end in .json or .json.zst")

// CheckPath rejects paths that are not JSON artifacts.
func CheckPath(path string) error {
	if strings.HasSuffix(path, ExtJSON) || strings.HasSuffix(path, ExtZstd) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrExtension, path)
}

// Compressed reports whether path names a zstd artifact.
func Compressed(path string) bool {
	return strings.HasSuffix(path, ExtZstd)
}

// Name builds "<dir>/<base><suffix>" with the extension matching compress.
func Name(dir, base, suffix string, compress bool) string {
	ext := ExtJSON
	if compress {
		ext = ExtZstd
	}
	return filepath.Join(dir, base+suffix+ext)
}

// Codec handles artifact encoding. It is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec; level 1-4 maps fastest to best compression.
func NewCodec(level int) (*Codec, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Codec{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close releases the codec's resources.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// WriteJSON encodes v to path, compressing when path ends in .zst.
func (c *Codec) WriteJSON(path string, v any) error {
	if err := CheckPath(path); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if Compressed(path) {
		data = c.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// ReadJSON decodes path into v, decompressing when path ends in .zst.
func (c *Codec) ReadJSON(path string, v any) error {
	if err := CheckPath(path); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if Compressed(path) {
		data, err = c.decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("decompression failed: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
