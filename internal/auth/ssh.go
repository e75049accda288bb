// ABOUTME: SSH public key authentication for agents
// ABOUTME: Verifies signatures over agent_id|timestamp|nonce against authorized keys

package auth

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/agenthub/internal/dedupe"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp (5 minutes).
	SSHAuthMaxAge = 5 * time.Minute

	// SSHNonceCacheSize is the maximum number of nonces to track.
	SSHNonceCacheSize = 10000

	// SSH auth metadata keys.
	SSHPubkeyHeader    = "x-ssh-pubkey"
	SSHSignatureHeader = "x-ssh-signature"
	SSHTimestampHeader = "x-ssh-timestamp"
	SSHNonceHeader     = "x-ssh-nonce"

	sshCredentialPrefix = "ssh:"
)

// SSHAuthRequest contains the data sent by an agent for SSH authentication.
type SSHAuthRequest struct {
	Pubkey    string // authorized_keys line or base64 wire-format key
	Signature string // base64 ssh.Signature over "agent_id|timestamp|nonce"
	Timestamp int64  // Unix timestamp
	Nonce     string // Random string to prevent replay
}

// SSHVerifier verifies SSH signatures for agent authentication.
type SSHVerifier struct {
	maxAge time.Duration
	nonces *dedupe.Cache[struct{}]
	now    func() time.Time
}

// NewSSHVerifier creates a new SSH signature verifier with nonce replay protection.
func NewSSHVerifier() *SSHVerifier {
	return &SSHVerifier{
		maxAge: SSHAuthMaxAge,
		nonces: dedupe.New[struct{}](SSHAuthMaxAge, SSHNonceCacheSize),
		now:    time.Now,
	}
}

// Close releases resources used by the verifier.
func (v *SSHVerifier) Close() {
	v.nonces.Close()
}

// Verify checks the signature for agentID and returns the key fingerprint.
// Binding the agent id into the signed message stops a captured credential
// from being replayed under a different identity.
func (v *SSHVerifier) Verify(agentID string, req *SSHAuthRequest) (fingerprint string, err error) {
	if req.Pubkey == "" || req.Signature == "" || req.Timestamp == 0 || req.Nonce == "" {
		return "", errors.New("incomplete SSH credential")
	}

	pubkey, err := parsePublicKey(req.Pubkey)
	if err != nil {
		return "", err
	}

	age := v.now().Sub(time.Unix(req.Timestamp, 0))
	if age < -time.Minute {
		return "", errors.New("timestamp is in the future")
	}
	if age > v.maxAge {
		return "", fmt.Errorf("signature expired (age: %v, max: %v)", age, v.maxAge)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("invalid signature format: %w", err)
	}

	if err := pubkey.Verify([]byte(SignedMessage(agentID, req.Timestamp, req.Nonce)), sig); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	fp := ComputeFingerprint(pubkey)
	nonceKey := fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)
	if v.nonces.PutIfAbsent(nonceKey, struct{}{}) {
		return "", errors.New("nonce already used (possible replay attack)")
	}
	return fp, nil
}

// SignedMessage is the byte string an agent signs to authenticate.
func SignedMessage(agentID string, timestamp int64, nonce string) string {
	return fmt.Sprintf("%s|%d|%s", agentID, timestamp, nonce)
}

// SignSSHCredential produces a credential string for agentID using signer.
func SignSSHCredential(signer ssh.Signer, agentID string, now time.Time) (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, nonceBytes); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	ts := now.Unix()

	sig, err := signer.Sign(rand.Reader, []byte(SignedMessage(agentID, ts, nonce)))
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}

	return FormatSSHCredential(&SSHAuthRequest{
		Pubkey:    base64.StdEncoding.EncodeToString(signer.PublicKey().Marshal()),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		Timestamp: ts,
		Nonce:     nonce,
	}), nil
}

// FormatSSHCredential renders req as "ssh:<pubkey>:<signature>:<timestamp>:<nonce>".
// The pubkey must be in base64 wire format.
func FormatSSHCredential(req *SSHAuthRequest) string {
	return fmt.Sprintf("%s%s:%s:%d:%s", sshCredentialPrefix, req.Pubkey, req.Signature, req.Timestamp, req.Nonce)
}

func parseSSHCredential(s string) (*SSHAuthRequest, error) {
	fields := strings.SplitN(strings.TrimPrefix(s, sshCredentialPrefix), ":", 4)
	if len(fields) != 4 {
		return nil, errors.New("SSH credential must have four fields")
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SSH timestamp: %w", err)
	}
	return &SSHAuthRequest{
		Pubkey:    fields[0],
		Signature: fields[1],
		Timestamp: ts,
		Nonce:     fields[3],
	}, nil
}

func parsePublicKey(s string) (ssh.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "ssh-") || strings.HasPrefix(s, "ecdsa-") || strings.HasPrefix(s, "sk-") {
		pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		return pubkey, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	pubkey, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pubkey, nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// LoadAuthorizedKeys reads an authorized_keys file and returns a map of
// fingerprint to key comment.
func LoadAuthorizedKeys(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authorized keys: %w", err)
	}
	return ParseAuthorizedKeys(data)
}

// ParseAuthorizedKeys parses authorized_keys content, skipping blank lines
// and comments.
func ParseAuthorizedKeys(data []byte) (map[string]string, error) {
	keys := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		pubkey, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", line, err)
		}
		keys[ComputeFingerprint(pubkey)] = comment
	}
	return keys, scanner.Err()
}

// ExtractSSHAuthFromMetadata extracts SSH auth fields from gRPC metadata.
// Returns nil if no SSH auth headers are present.
func ExtractSSHAuthFromMetadata(md map[string][]string) *SSHAuthRequest {
	getPrimary := func(key string) string {
		if vals, ok := md[key]; ok && len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}

	pubkey := getPrimary(SSHPubkeyHeader)
	signature := getPrimary(SSHSignatureHeader)
	timestampStr := getPrimary(SSHTimestampHeader)
	nonce := getPrimary(SSHNonceHeader)

	if pubkey == "" && signature == "" && timestampStr == "" && nonce == "" {
		return nil
	}

	timestamp, _ := strconv.ParseInt(timestampStr, 10, 64)
	return &SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signature,
		Timestamp: timestamp,
		Nonce:     nonce,
	}
}
