// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/mesh"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of an Ed25519 signature in bytes.
const authSignatureSize = 64

// AuthTimeout is the maximum time allowed for the entire peer
// authentication handshake (nonce exchange, signing, verification).
// If auth does not complete within this window, the connection is
// torn down.
const AuthTimeout = 10 * time.Second

// PeerAuthenticator provides cryptographic identity verification for
// transport connections between instances. When configured on a
// [Manager], each new connection must complete a mutual
// challenge-response handshake before application data flows.
type PeerAuthenticator interface {
	// Sign signs the given message with the local instance's Ed25519
	// private key. Returns a 64-byte Ed25519 signature.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature is a valid Ed25519 signature
	// of message produced by the instance identified by peer. The
	// implementation looks up the peer's public key (typically from
	// the identity directory) and verifies the signature. Returns an
	// error if the peer's public key is unknown or the signature is
	// invalid.
	VerifyPeer(peer ref.Identity, message, signature []byte) error
}

// Authenticate executes the mutual authentication protocol on a
// connection. Both peers run this function simultaneously on the same
// connection. The protocol is:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's 32-byte nonce
//  3. Sign (peerNonce || peerHandle), binding the response to the
//     specific challenger's identity
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it against (ownNonce || ownHandle) using the peer's key
//
// The handle binding in step 3 prevents a valid signature for peer A
// from being replayed to authenticate against peer B.
//
// Writes and reads are interleaved using a background writer goroutine
// to avoid deadlock on synchronous channels (such as net.Pipe), where
// Write blocks until the peer Reads. Without concurrent write/read,
// both sides would block on their initial Write simultaneously.
//
// The caller is responsible for closing the connection after this
// returns.
func Authenticate(channel io.ReadWriter, authenticator PeerAuthenticator, local, peer ref.Identity) error {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	// writeErrors collects errors from the background writer
	// goroutine. The writer sends both the nonce and (later) the
	// signature.
	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	go func() {
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		close(signatureToSend)
		return fmt.Errorf("reading peer nonce: %w", err)
	}

	// Sign (peerNonce || peerHandle): "I am responding to this
	// challenge from the instance that claims to be <peer>."
	peerHandle := peer.String()
	signedMessage := make([]byte, 0, authNonceSize+len(peerHandle))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peerHandle...)
	signatureToSend <- authenticator.Sign(signedMessage)

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return err
	}

	// Verify: peer signed (nonce || handle), i.e. the peer responded
	// to OUR challenge bound to OUR identity.
	localHandle := local.String()
	verifyMessage := make([]byte, 0, authNonceSize+len(localHandle))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, localHandle...)
	if err := authenticator.VerifyPeer(peer, verifyMessage, peerSignature); err != nil {
		return fmt.Errorf("peer %s failed authentication: %w", peer, err)
	}

	return nil
}

// DirectoryAuthenticator implements PeerAuthenticator on top of the
// identity directory: it signs with a caller-supplied signing function
// and verifies peers against their published directory records.
type DirectoryAuthenticator struct {
	// SignFunc signs with the local instance's private key.
	SignFunc func(message []byte) []byte

	// Directory supplies peers' published public keys.
	Directory mesh.Directory
}

var _ PeerAuthenticator = (*DirectoryAuthenticator)(nil)

// Sign signs with the local instance's key.
func (a *DirectoryAuthenticator) Sign(message []byte) []byte {
	return a.SignFunc(message)
}

// VerifyPeer verifies the signature against the peer's published
// record.
func (a *DirectoryAuthenticator) VerifyPeer(peer ref.Identity, message, signature []byte) error {
	record, found, err := a.Directory.LookupIdentity(context.Background(), peer)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", peer, err)
	}
	if !found {
		return fmt.Errorf("no published record for %s", peer)
	}
	if len(record.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("published key for %s has %d bytes, want %d", peer, len(record.PublicKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(record.PublicKey), message, signature) {
		return fmt.Errorf("signature verification failed for %s", peer)
	}
	return nil
}
