package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// TrafficKeySize is the length of each derived traffic key.
	TrafficKeySize = 32

	// KeyCheckSize is the length of a key check value.
	KeyCheckSize = 16
)

// ErrNoKey is returned by TrafficKeys when the session carries no key.
var ErrNoKey = errors.New("server: session has no key")

var (
	clientToServerInfo = []byte("tether client-to-server")
	serverToClientInfo = []byte("tether server-to-client")
	keyCheckLabel      = []byte("tether key check")
)

// TrafficKeys derives one key per direction from the pre-shared key, salted
// with the session id. Both ends can compute the same pair once the client
// has learned its id.
func (s *Session) TrafficKeys() (clientToServer, serverToClient []byte, err error) {
	return DeriveTrafficKeys(s.key, s.id)
}

// DeriveTrafficKeys is the HKDF-SHA256 derivation behind Session.TrafficKeys.
func DeriveTrafficKeys(key []byte, id int64) (clientToServer, serverToClient []byte, err error) {
	if len(key) == 0 {
		return nil, nil, ErrNoKey
	}
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(id))
	prk := hkdf.Extract(sha256.New, key, salt[:])

	clientToServer = make([]byte, TrafficKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, clientToServerInfo), clientToServer); err != nil {
		return nil, nil, err
	}
	serverToClient = make([]byte, TrafficKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, serverToClientInfo), serverToClient); err != nil {
		return nil, nil, err
	}
	return clientToServer, serverToClient, nil
}

// KeyCheck returns a short MAC that proves the session holds the same key a
// client derives for its id, without revealing either traffic key.
func (s *Session) KeyCheck() ([]byte, error) {
	_, s2c, err := s.TrafficKeys()
	if err != nil {
		return nil, err
	}
	return keyCheck(s2c), nil
}

// KeyCheck computes the value Session.KeyCheck returns for a session with
// this key and id.
func KeyCheck(key []byte, id int64) ([]byte, error) {
	_, s2c, err := DeriveTrafficKeys(key, id)
	if err != nil {
		return nil, err
	}
	return keyCheck(s2c), nil
}

func keyCheck(serverToClient []byte) []byte {
	mac := hmac.New(sha256.New, serverToClient)
	mac.Write(keyCheckLabel)
	return mac.Sum(nil)[:KeyCheckSize]
}
