package scram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

func TestNewClientFirst_Format(t *testing.T) {
	first, err := NewClientFirst()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first.Message, "n,,n=,r="))
	assert.False(t, strings.Contains(first.Nonce, "\n"))

	decoded, err := base64.StdEncoding.DecodeString(first.Nonce)
	require.NoError(t, err)
	assert.Len(t, decoded, 18)
}

func TestNewClientFirst_UniqueNonces(t *testing.T) {
	a, err := NewClientFirst()
	require.NoError(t, err)
	b, err := NewClientFirst()
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestComputeClientFinal_Deterministic(t *testing.T) {
	first, err := NewClientFirst()
	require.NoError(t, err)

	second := ServerFirst{
		Nonce:   first.Nonce + "servernonce123",
		Salt:    []byte("fixed-salt-value"),
		Rounds:  4096,
		Message: "r=" + first.Nonce + "servernonce123,s=" + base64.StdEncoding.EncodeToString([]byte("fixed-salt-value")) + ",i=4096",
	}

	a, err := ComputeClientFinal("example-password", first, second)
	require.NoError(t, err)
	b, err := ComputeClientFinal("example-password", first, second)
	require.NoError(t, err)

	assert.Equal(t, a.Message, b.Message)
	assert.Equal(t, a.ExpectedServerSignature, b.ExpectedServerSignature)
}

func TestComputeClientFinal_BadIterationCount(t *testing.T) {
	first, err := NewClientFirst()
	require.NoError(t, err)

	second := ServerFirst{Nonce: first.Nonce, Salt: []byte("salt"), Rounds: 0}
	_, err = ComputeClientFinal("pw", first, second)
	assert.Error(t, err)
}

// TestComputeClientFinal_RoundTrip acts as an independent SCRAM server
// verifying the client's proof and issuing its own server signature,
// mirroring RFC 5802 §3's mutual-authentication property: the server
// recovers ClientKey from the proof and checks it against StoredKey,
// then the client verifies the server's signature via
// VerifyServerSignature.
func TestComputeClientFinal_RoundTrip(t *testing.T) {
	const password = "example-password"
	salt := []byte("0123456789abcdef")
	const rounds = 4096

	first, err := NewClientFirst()
	require.NoError(t, err)

	serverNonce := "server-generated-nonce-value"
	combinedNonce := first.Nonce + serverNonce
	serverFirstMessage := "r=" + combinedNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=" + "4096"

	second, err := ParseServerFirst(serverFirstMessage)
	require.NoError(t, err)
	assert.Equal(t, combinedNonce, second.Nonce)
	assert.Equal(t, salt, second.Salt)
	assert.Equal(t, rounds, second.Rounds)

	final, err := ComputeClientFinal(password, first, second)
	require.NoError(t, err)

	// --- independent server-side verification ---
	saltedPassword := pbkdf2.Key([]byte(password), salt, rounds, sha256.Size, sha256.New)
	clientKey := hmacSum(saltedPassword, "Client Key")
	serverKey := hmacSum(saltedPassword, "Server Key")
	storedKeyArr := sha256.Sum256(clientKey)
	storedKey := storedKeyArr[:]

	attrs := parseAttributes(final.Message)
	proof, err := base64.StdEncoding.DecodeString(attrs["p"])
	require.NoError(t, err)

	clientFinalWithoutProof := "c=" + attrs["c"] + ",r=" + attrs["r"]
	authMessage := "n=,r=" + first.Nonce + "," + serverFirstMessage + "," + clientFinalWithoutProof
	clientSignature := hmacSum(storedKey, authMessage)

	recoveredClientKey := make([]byte, len(proof))
	for i := range proof {
		recoveredClientKey[i] = proof[i] ^ clientSignature[i]
	}
	recoveredStoredKey := sha256.Sum256(recoveredClientKey)
	assert.True(t, hmac.Equal(storedKey, recoveredStoredKey[:]), "server should recover a StoredKey matching what it has on file")

	serverSignature := hmacSum(serverKey, authMessage)
	serverSignatureB64 := base64.StdEncoding.EncodeToString(serverSignature)

	assert.True(t, VerifyServerSignature(final.ExpectedServerSignature, serverSignatureB64))
	assert.False(t, VerifyServerSignature(final.ExpectedServerSignature, base64.StdEncoding.EncodeToString([]byte("wrong-signature-bytes"))))
}

func hmacSum(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
