// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/switchboard/lib/codec"
)

// spoolSuffix is the extension of spool files: a CBOR document,
// zstd-compressed, then age-encrypted.
const spoolSuffix = ".cbor.zst.age"

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transcript: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transcript: zstd decoder initialization failed: " + err.Error())
	}
}

// Spool keeps an encrypted copy of each transcript document in a local
// directory. Each Upsert rewrites the merged document for its id, so
// the file always holds everything this process has recorded. Only the
// holders of the recipients' identities can read it back.
type Spool struct {
	dir        string
	recipients []age.Recipient

	mu   sync.Mutex
	docs map[string]Update
}

// NewSpool creates dir if needed and encrypts to the given age public
// keys (age1... format).
func NewSpool(dir string, recipientKeys []string) (*Spool, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("transcript spool: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("transcript spool: parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("transcript spool: %w", err)
	}
	return &Spool{dir: dir, recipients: recipients, docs: make(map[string]Update)}, nil
}

// Path returns the spool file for id.
func (s *Spool) Path(id string) string {
	return filepath.Join(s.dir, id+spoolSuffix)
}

func (s *Spool) Upsert(_ context.Context, id string, update Update) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("transcript spool: invalid id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := update.Merge(s.docs[id])
	data, err := s.seal(merged)
	if err != nil {
		return fmt.Errorf("transcript spool: sealing %s: %w", id, err)
	}
	if err := writeFileAtomic(s.Path(id), data); err != nil {
		return fmt.Errorf("transcript spool: %w", err)
	}
	s.docs[id] = merged
	return nil
}

func (s *Spool) seal(document Update) ([]byte, error) {
	encoded, err := codec.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(compressed); err != nil {
		return nil, fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return sealed.Bytes(), nil
}

// ReadSpool decrypts and decodes one spool file.
func ReadSpool(path string, identities ...age.Identity) (Update, error) {
	file, err := os.Open(path)
	if err != nil {
		return Update{}, err
	}
	defer file.Close()

	reader, err := age.Decrypt(file, identities...)
	if err != nil {
		return Update{}, fmt.Errorf("decrypting %s: %w", path, err)
	}
	compressed, err := io.ReadAll(reader)
	if err != nil {
		return Update{}, fmt.Errorf("reading %s: %w", path, err)
	}
	encoded, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return Update{}, fmt.Errorf("decompressing %s: %w", path, err)
	}
	var document Update
	if err := codec.Unmarshal(encoded, &document); err != nil {
		return Update{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return document, nil
}

func writeFileAtomic(path string, data []byte) error {
	temp, err := os.CreateTemp(filepath.Dir(path), ".spool-*")
	if err != nil {
		return err
	}
	defer os.Remove(temp.Name())
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return err
	}
	if err := temp.Close(); err != nil {
		return err
	}
	return os.Rename(temp.Name(), path)
}
