// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

// Package adbkey manages the RSA keypair used to answer adbd's signed
// challenge during the connect handshake.
package adbkey

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
)

const (
	keyBits = 2048
	// TokenSize is the length of the challenge adbd sends in AUTH.
	TokenSize = 20

	pemType      = "RSA PRIVATE KEY"
	pubKeyOwner  = "unknown@hacs-adb-connector"
	modulusBytes = keyBits / 8
	modulusWords = keyBits / 32
)

// provisionMu guards first-use generation so concurrent callers cannot race a
// half-written key file.
var provisionMu sync.Mutex

// Key is a loaded signing credential. Read-only after creation.
type Key struct {
	priv    *rsa.PrivateKey
	pubLine string
}

// Load reads a PEM private key from path.
func Load(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemType {
		return nil, fmt.Errorf("key %s: no %s PEM block", path, pemType)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return newKey(priv)
}

// Generate creates a fresh keypair and persists it at path (private key PEM,
// public key line at path+".pub").
func Generate(path string) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	k, err := newKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("key dir: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(k.pubLine+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return k, nil
}

// LoadOrGenerate returns the key at path, creating it on first use. The
// generate side is serialized so concurrent first use cannot double-generate.
func LoadOrGenerate(path string) (*Key, error) {
	if k, err := Load(path); err == nil {
		return k, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	provisionMu.Lock()
	defer provisionMu.Unlock()
	// Another caller may have won the race while we waited.
	if k, err := Load(path); err == nil {
		return k, nil
	}
	return Generate(path)
}

func newKey(priv *rsa.PrivateKey) (*Key, error) {
	line, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{priv: priv, pubLine: line}, nil
}

// Sign answers an AUTH token. adbd sends the raw 20-byte digest and expects a
// PKCS#1 v1.5 signature with the SHA-1 DigestInfo prefix.
func (k *Key) Sign(token []byte) ([]byte, error) {
	if len(token) != TokenSize {
		return nil, fmt.Errorf("auth token is %d bytes, want %d", len(token), TokenSize)
	}
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, token)
}

// Public returns the public half for verification.
func (k *Key) Public() *rsa.PublicKey { return &k.priv.PublicKey }

// PublicKeyLine is the base64 Android pubkey blob plus owner tag, the exact
// payload sent in AUTH RSAPUBLICKEY and written to the .pub file.
func (k *Key) PublicKeyLine() string { return k.pubLine }

// encodePublicKey produces the binary format adbd stores in
// /data/misc/adb/adb_keys: word count, -1/n[0] mod 2^32, modulus and
// rr = 2^(2*keyBits) mod n as little-endian words, then the exponent.
func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	if pub.N.BitLen() != keyBits {
		return "", fmt.Errorf("unsupported modulus size %d bits", pub.N.BitLen())
	}
	buf := make([]byte, 4+4+modulusBytes+modulusBytes+4)
	binary.LittleEndian.PutUint32(buf[0:4], modulusWords)

	two32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, two32)
	inv := new(big.Int).ModInverse(n0, two32)
	if inv == nil {
		return "", errors.New("modulus has even low word")
	}
	n0inv := new(big.Int).Sub(two32, inv)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n0inv.Uint64()))

	putLittleEndian(buf[8:8+modulusBytes], pub.N)

	rr := new(big.Int).Lsh(big.NewInt(1), 2*keyBits)
	rr.Mod(rr, pub.N)
	putLittleEndian(buf[8+modulusBytes:8+2*modulusBytes], rr)

	binary.LittleEndian.PutUint32(buf[8+2*modulusBytes:], uint32(pub.E))
	return base64.StdEncoding.EncodeToString(buf) + " " + pubKeyOwner, nil
}

func putLittleEndian(dst []byte, v *big.Int) {
	be := v.Bytes()
	for i, b := range be {
		dst[len(be)-1-i] = b
	}
}
