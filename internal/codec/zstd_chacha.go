package codec

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// ZstdChaCha is the default [Codec]: zstd compression followed by
// chacha20-poly1305 encryption. Blocks are bounded (§ GLOSSARY, 4 KiB-1 MiB)
// so it buffers a block fully rather than streaming compress/encrypt,
// trading streaming for the simpler, more obviously correct
// read-all -> compress -> seal pipeline.
type ZstdChaCha struct {
	// Level is the zstd compression level. Zero uses the library default.
	Level int
}

// NewZstdChaCha returns a ZstdChaCha codec at the default compression level.
func NewZstdChaCha() *ZstdChaCha {
	return &ZstdChaCha{}
}

func deriveAEADKey(key []byte) []byte {
	if len(key) == chacha20poly1305.KeySize {
		return key
	}

	sum := sha256.Sum256(key)

	return sum[:]
}

func (c *ZstdChaCha) CompressAndEncrypt(src io.Reader, key []byte, _ string) (Encryptor, error) {
	mr := newMD5Reader(src)

	cleartext, err := io.ReadAll(mr)
	if err != nil {
		return nil, fmt.Errorf("read cleartext: %w", err)
	}

	sum := mr.sum()

	var compressed []byte
	if c.Level > 0 {
		compressed, err = zstd.CompressLevel(nil, cleartext, c.Level)
	} else {
		compressed, err = zstd.Compress(nil, cleartext)
	}

	if err != nil {
		return nil, fmt.Errorf("zstd compress: %w", err)
	}

	aead, err := chacha20poly1305.New(deriveAEADKey(key))
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nonce, nonce, compressed, nil)

	return &bufEncryptor{r: bytes.NewReader(ciphertext), md5sum: sum}, nil
}

func (c *ZstdChaCha) DecryptAndDecompress(dst io.Writer, key []byte) (Decryptor, error) {
	return &bufDecryptor{dst: dst, key: key}, nil
}

type bufEncryptor struct {
	r      *bytes.Reader
	md5sum [16]byte
}

func (e *bufEncryptor) Read(p []byte) (int, error) { return e.r.Read(p) }
func (e *bufEncryptor) MD5() [16]byte              { return e.md5sum }

type bufDecryptor struct {
	buf    bytes.Buffer
	dst    io.Writer
	key    []byte
	md5sum [16]byte
}

func (d *bufDecryptor) Put(chunk []byte) error {
	_, err := d.buf.Write(chunk)
	if err != nil {
		return fmt.Errorf("buffer chunk: %w", err)
	}

	return nil
}

func (d *bufDecryptor) Finalize() error {
	aead, err := chacha20poly1305.New(deriveAEADKey(d.key))
	if err != nil {
		return fmt.Errorf("init aead: %w", err)
	}

	data := d.buf.Bytes()
	if len(data) < aead.NonceSize() {
		return fmt.Errorf("comp payload too short for nonce")
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]

	compressed, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	cleartext, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}

	if _, err := d.dst.Write(cleartext); err != nil {
		return fmt.Errorf("write cleartext: %w", err)
	}

	d.md5sum = md5Sum(cleartext)

	return nil
}

func (d *bufDecryptor) MD5() [16]byte { return d.md5sum }

var _ Codec = (*ZstdChaCha)(nil)
