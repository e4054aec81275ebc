package firmware

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// digestChunkSize bounds the memory used per concurrent digest.
const digestChunkSize = 32 * 1024

var (
	ErrDigest = errors.New("firmware digest failed")
)

// Digest streams r through MD5 and returns the lowercase hex digest, the
// same encoding ESP8266/ESP32 devices send in their sketch-MD5 header.
// A read failure is reported as ErrDigest, never as a digest value.
func Digest(ctx context.Context, r io.Reader) (string, error) {
	h := md5.New()
	buf := make([]byte, digestChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrDigest, err)
		}

		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrDigest, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile opens name in store and digests it.
func DigestFile(ctx context.Context, store Store, name string) (string, error) {
	f, err := store.Open(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDigest, err)
	}
	defer f.Close()

	return Digest(ctx, f)
}
