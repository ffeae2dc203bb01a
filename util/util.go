package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent on every outbound federated request
func UserAgent(domain string) string {
	return fmt.Sprintf("%s/%s (+https://%s/)", Name, GetVersion(), domain)
}

func DateTimeFormat() string {
	return "2006-01-02 15:04:05 MST"
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// SetupLogger configures the process-wide logger
func SetupLogger(level string) {
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(true)
	log.SetPrefix(Name)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warn("unknown log level, falling back to info", "level", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// GeneratePemKeypair creates an RSA key pair. The private key is PKCS#1,
// the public key PKIX, which is what remote servers expect in publicKeyPem.
func GeneratePemKeypair() *RsaKeyPair {
	return generatePemKeypair(4096)
}

// GenerateTestKeypair creates a smaller key pair for tests
func GenerateTestKeypair() *RsaKeyPair {
	return generatePemKeypair(2048)
}

func generatePemKeypair(bitSize int) *RsaKeyPair {
	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		panic(err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		panic(err)
	}
	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}
}
