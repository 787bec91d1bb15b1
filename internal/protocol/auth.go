package protocol

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
)

// Plugin names recognized during the authentication dialog. Any other
// plugin name surfaces as UnknownAuthPlugin.
const (
	PluginMySQLNativePassword = "mysql_native_password"
	PluginCachingSHA2Password = "caching_sha2_password"
	PluginMySQLClearPassword  = "mysql_clear_password"
	PluginSHA256Password      = "sha256_password"
)

// ScrambleAuthResponse computes the initial auth-response bytes sent in
// HandshakeResponse41 for the named plugin, given the password and the
// scramble taken from the server greeting (or a later AuthSwitchRequest).
// secureChannel reports whether the transport is presently TLS or a Unix
// socket, which gates mysql_clear_password.
func ScrambleAuthResponse(plugin string, password string, scramble []byte, secureChannel bool) ([]byte, error) {
	switch plugin {
	case PluginMySQLNativePassword:
		return nativePasswordHash(password, scramble), nil
	case PluginCachingSHA2Password:
		return cachingSHA2FastHash(password, scramble), nil
	case PluginSHA256Password:
		if password == "" {
			return nil, nil
		}
		// sha256_password has no fast-auth path; an empty initial response
		// forces the server to continue with AuthMoreData/full auth.
		return nil, nil
	case PluginMySQLClearPassword:
		if !secureChannel {
			return nil, NewDriverError(UnknownAuthPlugin, "mysql_clear_password requires TLS or a unix socket")
		}
		return append([]byte(password), 0), nil
	default:
		return nil, NewDriverError(UnknownAuthPlugin, plugin)
	}
}

// nativePasswordHash implements mysql_native_password:
// SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
func nativePasswordHash(password string, scramble []byte) []byte {
	if password == "" {
		return nil
	}
	stage1 := sha1Sum([]byte(password))
	stage2 := sha1Sum(stage1[:])

	h := sha1.New()
	h.Write(scramble)
	h.Write(stage2[:])
	combined := h.Sum(nil)

	result := make([]byte, len(stage1))
	for i := range result {
		result[i] = stage1[i] ^ combined[i]
	}
	return result
}

func sha1Sum(b []byte) [sha1.Size]byte { return sha1.Sum(b) }

// cachingSHA2FastHash implements caching_sha2_password's fast-auth scramble:
// XOR(SHA256(password), SHA256(SHA256(SHA256(password)) + scramble)).
func cachingSHA2FastHash(password string, scramble []byte) []byte {
	if password == "" {
		return nil
	}
	stage1 := sha256.Sum256([]byte(password))
	stage2 := sha256.Sum256(stage1[:])

	h := sha256.New()
	h.Write(stage2[:])
	h.Write(scramble)
	stage3 := h.Sum(nil)

	result := make([]byte, len(stage1))
	for i := range result {
		result[i] = stage1[i] ^ stage3[i]
	}
	return result
}

// XORPasswordForRSA builds the plaintext fed to RSA-OAEP during
// caching_sha2_password / sha256_password full authentication: the
// NUL-terminated password XORed byte-for-byte (cyclically) against the
// scramble.
func XORPasswordForRSA(password string, scramble []byte) []byte {
	pw := append([]byte(password), 0)
	if len(scramble) == 0 {
		return pw
	}
	out := make([]byte, len(pw))
	for i := range out {
		out[i] = pw[i] ^ scramble[i%len(scramble)]
	}
	return out
}

// EncryptPasswordRSA encrypts the XORed password under the server's RSA
// public key using OAEP with SHA-1, as required by both
// caching_sha2_password and sha256_password full-auth.
func EncryptPasswordRSA(pubKeyPEM []byte, password string, scramble []byte) ([]byte, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, NewParseError("rsa-public-key", "not PEM encoded")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, NewParseError("rsa-public-key", err.Error())
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, NewParseError("rsa-public-key", "not an RSA key")
	}
	plain := XORPasswordForRSA(password, scramble)
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, rsaPub, plain, nil)
}
