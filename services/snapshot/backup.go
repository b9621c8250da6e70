package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// BackupSuffix is appended to every sealed snapshot object key.
const BackupSuffix = ".json.zst.age"

// ParseRecipients parses a comma separated list of age X25519 public keys.
func ParseRecipients(list string) ([]age.Recipient, error) {
	var out []age.Recipient
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", raw, err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	return out, nil
}

// ParseIdentities parses newline separated age secret keys, skipping comments.
func ParseIdentities(text string) ([]age.Identity, error) {
	ids, err := age.ParseIdentities(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}
	return ids, nil
}

// Seal compresses data with zstd and encrypts the result to recipients.
func Seal(data []byte, recipients ...age.Recipient) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	var out bytes.Buffer
	enc, err := age.Encrypt(&out, recipients...)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	zw, err := zstd.NewWriter(enc)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd writer: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close age writer: %w", err)
	}
	return out.Bytes(), nil
}

// Unseal reverses Seal.
func Unseal(sealed []byte, identities ...age.Identity) ([]byte, error) {
	dec, err := age.Decrypt(bytes.NewReader(sealed), identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	zr, err := zstd.NewReader(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	return data, nil
}
