// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package std

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// TokenStore mints and checks the credential presented at stream auth:
// hex(HMAC-SHA256(derived secret, be64(id))). User sessions, message nodes,
// and scheduler replicas all authenticate this way against the shared
// deployment secret. The account tier normally mints user tokens; every tier
// can verify them locally.
type TokenStore struct {
	secret []byte
}

func NewTokenStore(key string) *TokenStore {
	return &TokenStore{secret: DeriveKey(key)}
}

// Token mints the credential for id.
func (s *TokenStore) Token(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(b[:])
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Validate checks a presented credential in constant time.
func (s *TokenStore) Validate(id uint64, token []byte) bool {
	return hmac.Equal(token, s.Token(id))
}
