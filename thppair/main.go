// thppair issues and validates a THP pairing credential for a given host
// static public key, and optionally hashes a human-entered pairing code
// for out-of-band confirmation during TH2.
//
// golang implementation in the style of blitter.com/go/xs/xspasswd.go's
// bcrypt record handling, adapted to credential_manager.py's
// issue_credential/validate_credential pair instead of a login password
// database.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"go.trezor.io/thp/thp"
)

var (
	version string

	masterSecretHex string
	hostPubKeyHex   string
	pairingCode     string
	metadataHex     string
	validateHex     string
	singleUse       bool
)

func usage() {
	fmt.Fprintf(os.Stderr, "thppair %s\nusage: thppair -s <master-secret-hex> -k <host-static-pubkey-hex> [flags]\n", version)
	flag.PrintDefaults()
}

func main() {
	flag.StringVar(&masterSecretHex, "s", "", "device master `secret`, hex-encoded")
	flag.StringVar(&hostPubKeyHex, "k", "", "host static public `key`, hex-encoded (32 bytes)")
	flag.StringVar(&pairingCode, "c", "", "optional human pairing `code` to bcrypt-hash")
	flag.StringVar(&metadataHex, "metadata", "", "opaque credential `metadata`, hex-encoded (defaults to a scope marker derived from -single-use)")
	flag.StringVar(&validateHex, "validate", "", "hex-encoded, previously issued credential to validate instead of issuing a new one")
	flag.BoolVar(&singleUse, "single-use", false, "when issuing without -metadata, mark the credential single-use instead of autoconnect")
	flag.Usage = usage
	flag.Parse()

	if masterSecretHex == "" || hostPubKeyHex == "" {
		usage()
		os.Exit(2)
	}

	masterSecret, err := hex.DecodeString(masterSecretHex)
	if err != nil {
		log.Fatalf("thppair: decode master secret: %v", err)
	}
	pubKeyBytes, err := hex.DecodeString(hostPubKeyHex)
	if err != nil || len(pubKeyBytes) != 32 {
		log.Fatalf("thppair: host static pubkey must be 32 hex-encoded bytes")
	}
	var hostPubKey [32]byte
	copy(hostPubKey[:], pubKeyBytes)

	credMgr := thp.NewCredentialManager(masterSecret)

	if validateHex != "" {
		credBytes, err := hex.DecodeString(validateHex)
		if err != nil {
			log.Fatalf("thppair: -validate credential must be hex-encoded")
		}
		fmt.Printf("valid=%v\n", credMgr.Validate(credBytes, hostPubKey))
		return
	}

	metadata := []byte("autoconnect")
	if singleUse {
		metadata = []byte("single-use")
	}
	if metadataHex != "" {
		metadata, err = hex.DecodeString(metadataHex)
		if err != nil {
			log.Fatalf("thppair: -metadata must be hex-encoded")
		}
	}

	cred := credMgr.Issue(hostPubKey, metadata)
	fmt.Printf("credential=%x\n", cred)

	if pairingCode != "" {
		hashed, err := thp.HashPairingCode(pairingCode)
		if err != nil {
			log.Fatalf("thppair: hash pairing code: %v", err)
		}
		fmt.Printf("pairing code verifies: %v\n", hashed.Verify(pairingCode))
	}
}
