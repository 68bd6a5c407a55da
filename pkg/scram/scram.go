// Package scram implements the client side of SCRAM-SHA-256 (RFC 5802)
// as PostgreSQL's SASL mechanism uses it: no channel binding ("n,,"
// GS2 header), no username in the client-first-message bare (the
// startup message already carries it, per PostgreSQL convention).
//
// The exchange shape follows jackc/pgconn's "SCRAM password" client
// dispatch (AuthenticationSASL/SASLContinue/SASLFinal), reworked here
// into standalone message-computation functions rather than methods on
// a connection: ClientKey/ServerKey/StoredKey/ClientSignature/
// ClientProof are computed per RFC 5802 §3, plus the
// ExpectedServerSignature the client verifies against.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const gs2Header = "n,,"

// ClientFirst is the state produced by the first step of the exchange.
type ClientFirst struct {
	Nonce   string
	Message string // full client-first-message, including the GS2 header
	bare    string // client-first-message-bare, i.e. Message without the GS2 header
}

// NewClientFirst generates a fresh client nonce and builds the
// client-first-message: an 18-byte cryptographically random nonce,
// base64-encoded with no trailing newline, composed into
// "n,,n=,r=<nonce>".
func NewClientFirst() (ClientFirst, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return ClientFirst{}, fmt.Errorf("scram: generate client nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(nonceBytes)
	bare := "n=,r=" + nonce
	return ClientFirst{
		Nonce:   nonce,
		Message: gs2Header + bare,
		bare:    bare,
	}, nil
}

// ServerFirst holds the parsed AuthenticationSASLContinue payload.
type ServerFirst struct {
	Nonce   string // combined client+server nonce, "r="
	Salt    []byte // decoded "s="
	Rounds  int    // "i="
	Message string // the raw server-first-message, needed verbatim for AuthMessage
}

// ParseServerFirst parses the server-first-message body PostgreSQL sends
// verbatim inside AuthenticationSASLContinue.
func ParseServerFirst(serverFirstMessage string) (ServerFirst, error) {
	attrs := parseAttributes(serverFirstMessage)

	nonce, ok := attrs["r"]
	if !ok {
		return ServerFirst{}, fmt.Errorf("scram: server-first-message missing nonce")
	}

	saltB64, ok := attrs["s"]
	if !ok {
		return ServerFirst{}, fmt.Errorf("scram: server-first-message missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return ServerFirst{}, fmt.Errorf("scram: invalid salt encoding: %w", err)
	}

	iStr, ok := attrs["i"]
	if !ok {
		return ServerFirst{}, fmt.Errorf("scram: server-first-message missing iteration count")
	}
	rounds, err := strconv.Atoi(iStr)
	if err != nil {
		return ServerFirst{}, fmt.Errorf("scram: invalid iteration count: %w", err)
	}

	return ServerFirst{
		Nonce:   nonce,
		Salt:    salt,
		Rounds:  rounds,
		Message: serverFirstMessage,
	}, nil
}

// ClientFinal is the result of computing the client-final-message and
// the signature the client must verify the server's reply against.
type ClientFinal struct {
	Message                 string // full client-final-message to send as the SASLResponse proof
	ExpectedServerSignature []byte // compared against the server's AuthenticationSASLFinal payload
}

// ComputeClientFinal runs the full RFC 5802 §3 computation: SaltedPassword
// via Hi(), ClientKey/ServerKey/StoredKey, the AuthMessage built from
// client_first_bare + server_first_message + client_final_without_proof,
// ClientSignature, ClientProof = ClientKey XOR ClientSignature, and the
// ExpectedServerSignature the caller must verify on AuthenticationSASLFinal.
func ComputeClientFinal(password string, first ClientFirst, second ServerFirst) (ClientFinal, error) {
	if second.Rounds < 1 {
		return ClientFinal{}, fmt.Errorf("scram: iteration count must be >= 1, got %d", second.Rounds)
	}

	saltedPassword := hi([]byte(password), second.Salt, second.Rounds)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	storedKeySum := sha256.Sum256(clientKey)
	storedKey := storedKeySum[:]

	clientFinalWithoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + second.Nonce
	authMessage := first.bare + "," + second.Message + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	expectedServerSignature := hmacSHA256(serverKey, []byte(authMessage))

	message := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	return ClientFinal{
		Message:                 message,
		ExpectedServerSignature: expectedServerSignature,
	}, nil
}

// VerifyServerSignature compares the base64 server_signature PostgreSQL
// sent in AuthenticationSASLFinal against the value computed earlier.
func VerifyServerSignature(expected []byte, serverSignatureB64 string) bool {
	got, err := base64.StdEncoding.DecodeString(serverSignatureB64)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// hi implements RFC 5802's Hi(str, salt, i): HMAC-SHA-256 iterated i
// times with XOR accumulation, seeded with block index INT(1).
func hi(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, sha256.Size, sha256.New)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func parseAttributes(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}
