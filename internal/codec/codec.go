// Package codec defines the compress/encrypt contract the cache engine
// consumes for background compression and on-disk ".comp" sibling files
// (§6.5), plus the MD5 placeholder-then-patch framing the engine applies
// around any Codec implementation.
//
// Per spec, the compression/encryption algorithms themselves are a
// non-goal of the engine; this package's job is the contract and the
// on-disk framing, with one concrete implementation (zstd + chacha20-poly1305)
// wired in so the rest of the tree has something real to exercise.
package codec

import (
	"crypto/md5"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/calvinalkan/blockcache/pkg/fs"
)

// ErrIntegrity is returned when a decoded payload's MD5 does not match the
// header stored in the ".comp" file (§7 "Integrity").
var ErrIntegrity = errors.New("codec: md5 mismatch")

// Encryptor streams the compressed+encrypted form of a cleartext source.
// MD5 is only valid once Read has returned io.EOF.
type Encryptor interface {
	io.Reader
	MD5() [16]byte
}

// Decryptor is a streaming sink for compressed+encrypted chunks; Finalize
// must be called after the last Put, after which MD5 reflects the
// cleartext that was written out.
type Decryptor interface {
	Put(chunk []byte) error
	Finalize() error
	MD5() [16]byte
}

// Codec is the external collaborator the engine's SubmitWorker pool and
// read path use for background compression and decompression.
type Codec interface {
	// CompressAndEncrypt returns a streaming encoder over src using the
	// named method (interpreted by the concrete Codec, e.g. a zstd level).
	CompressAndEncrypt(src io.Reader, key []byte, method string) (Encryptor, error)

	// DecryptAndDecompress returns a streaming decoder that writes
	// cleartext to dst as chunks are Put.
	DecryptAndDecompress(dst io.Writer, key []byte) (Decryptor, error)
}

// headerSize is the MD5 placeholder/checksum prefix size of a ".comp" file
// (§6.1 "MD5-prefixed").
const headerSize = 16

// WriteCompFile streams enc's output into f framed per §6.5: a 16-byte
// zero placeholder is written first, the encoder's bytes follow, then the
// placeholder is patched in place with enc.MD5() once the stream is
// exhausted. f must be open for read+write and positioned at offset 0.
func WriteCompFile(f fs.File, enc Encryptor) (n int64, err error) {
	var zero [headerSize]byte

	if _, err := f.Write(zero[:]); err != nil {
		return 0, fmt.Errorf("write md5 placeholder: %w", err)
	}

	written, err := io.Copy(f, enc)
	if err != nil {
		return 0, fmt.Errorf("stream codec output: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to patch md5: %w", err)
	}

	sum := enc.MD5()
	if _, err := f.Write(sum[:]); err != nil {
		return 0, fmt.Errorf("patch md5: %w", err)
	}

	return written, nil
}

// ReadCompFile decodes a ".comp" file written by [WriteCompFile]: it
// verifies the MD5 header against the decoded cleartext, returning
// ErrIntegrity on mismatch (§7).
func ReadCompFile(codec Codec, src fs.File, dst io.Writer, key []byte) error {
	var header [headerSize]byte

	if _, err := io.ReadFull(src, header[:]); err != nil {
		return fmt.Errorf("read md5 header: %w", err)
	}

	dec, err := codec.DecryptAndDecompress(dst, key)
	if err != nil {
		return fmt.Errorf("init decoder: %w", err)
	}

	buf := make([]byte, 64*1024)

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if putErr := dec.Put(buf[:n]); putErr != nil {
				return fmt.Errorf("decode chunk: %w", putErr)
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return fmt.Errorf("read comp body: %w", readErr)
		}
	}

	if err := dec.Finalize(); err != nil {
		return fmt.Errorf("finalize decode: %w", err)
	}

	got := dec.MD5()
	if got != header {
		return fmt.Errorf("%w: header=%x got=%x", ErrIntegrity, header, got)
	}

	return nil
}

// md5Reader wraps a reader, accumulating an MD5 of everything read through
// it. Shared by both directions of the concrete codec implementation.
type md5Reader struct {
	r io.Reader
	h hash.Hash
}

func newMD5Reader(r io.Reader) *md5Reader {
	return &md5Reader{r: r, h: md5.New()}
}

func (m *md5Reader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.h.Write(p[:n])
	}

	return n, err
}

func (m *md5Reader) sum() [16]byte {
	var out [16]byte

	copy(out[:], m.h.Sum(nil))

	return out
}

// md5Sum computes the MD5 of b in one shot.
func md5Sum(b []byte) [16]byte {
	return md5.Sum(b)
}
