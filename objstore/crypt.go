// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/NVIDIA/objfs/blunder"
)

// SealedBlobVersion is the first byte of every sealed blob.
const SealedBlobVersion byte = 0x01

// SealedBlobOverhead is the number of bytes sealing adds to a blob.
const SealedBlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

const cryptSaltSize = 16

var (
	hkdfInfoStore = []byte("objfs.store.v1")
	keyCheckBlob  = []byte("objfs.store.keycheck.v1")
)

// Crypt seals and unseals the objects of an encrypted store.
//
// Each sealed blob is [version | nonce | ciphertext+tag], sealed by
// XChaCha20-Poly1305 under a key derived by HKDF-SHA256 from the store key and
// the store's salt. The additional data binds the blob to its object ID so a
// blob copied to another object fails to unseal.
//
type Crypt struct {
	aead cipher.AEAD
}

// NewCrypt returns the Crypt for key and salt.
func NewCrypt(key []byte, salt []byte) (crypt *Crypt, err error) {
	var (
		aead       cipher.AEAD
		derivedKey = make([]byte, chacha20poly1305.KeySize)
	)

	if 0 == len(key) {
		err = blunder.NewError(blunder.InvalidKeyError, "Invalid key")
		return
	}

	_, err = io.ReadFull(hkdf.New(sha256.New, key, salt, hkdfInfoStore), derivedKey)
	if nil != err {
		return
	}

	aead, err = chacha20poly1305.NewX(derivedKey)
	if nil != err {
		return
	}

	crypt = &Crypt{aead: aead}

	return
}

func newCryptSalt() (salt []byte, err error) {
	salt = make([]byte, cryptSaltSize)
	_, err = io.ReadFull(rand.Reader, salt)
	return
}

func sealedBlobAAD(version byte, objectID uint64) (aad []byte) {
	aad = make([]byte, 9)
	aad[0] = version
	binary.LittleEndian.PutUint64(aad[1:], objectID)
	return
}

// Seal returns plaintext sealed for storage in object objectID.
func (crypt *Crypt) Seal(objectID uint64, plaintext []byte) (sealed []byte, err error) {
	var (
		nonce [chacha20poly1305.NonceSizeX]byte
	)

	_, err = io.ReadFull(rand.Reader, nonce[:])
	if nil != err {
		return
	}

	sealed = make([]byte, 1+chacha20poly1305.NonceSizeX, SealedBlobOverhead+len(plaintext))
	sealed[0] = SealedBlobVersion
	copy(sealed[1:], nonce[:])

	sealed = crypt.aead.Seal(sealed, nonce[:], plaintext, sealedBlobAAD(SealedBlobVersion, objectID))

	return
}

// Unseal returns the plaintext of sealed, read from object objectID.
func (crypt *Crypt) Unseal(objectID uint64, sealed []byte) (plaintext []byte, err error) {
	if len(sealed) < SealedBlobOverhead {
		err = blunder.NewError(blunder.BadMessageError, "sealed blob in object %016X is %d bytes, minimum is %d", objectID, len(sealed), SealedBlobOverhead)
		return
	}
	if SealedBlobVersion != sealed[0] {
		err = blunder.NewError(blunder.BadMessageError, "sealed blob in object %016X has unsupported version %d", objectID, sealed[0])
		return
	}

	plaintext, err = crypt.aead.Open(nil, sealed[1:1+chacha20poly1305.NonceSizeX], sealed[1+chacha20poly1305.NonceSizeX:], sealedBlobAAD(sealed[0], objectID))
	if nil != err {
		err = blunder.NewError(blunder.BadMessageError, "sealed blob in object %016X failed to unseal: %v", objectID, err)
	}

	return
}

// newKeyCheck returns the blob, stored in StoreInfo.KeyCheck, that only the
// store's key unseals.
func (crypt *Crypt) newKeyCheck(storeObjectID uint64) (keyCheck []byte, err error) {
	keyCheck, err = crypt.Seal(storeObjectID, keyCheckBlob)
	return
}

func (crypt *Crypt) verifyKeyCheck(storeObjectID uint64, keyCheck []byte) (err error) {
	var (
		plaintext []byte
	)

	plaintext, err = crypt.Unseal(storeObjectID, keyCheck)
	if (nil != err) || (string(keyCheckBlob) != string(plaintext)) {
		err = blunder.NewError(blunder.InvalidKeyError, "Invalid key")
	}

	return
}
