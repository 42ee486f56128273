package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"jobmesh/go-backend/internal/identity"
)

const passphraseEnv = "JOBMESH_KEY_PASSPHRASE"

type keyMaterial struct {
	Mnemonic string `json:"mnemonic,omitempty"`
	Address  string `json:"address"`
	WorkerID string `json:"worker_id"`
	SeedFile string `json:"seed_file,omitempty"`
}

func main() {
	var (
		mnemonic = flag.String("mnemonic", "", "derive from an existing mnemonic instead of generating one")
		outFile  = flag.String("out", "", "write an encrypted seed file here instead of printing the mnemonic")
	)
	flag.Parse()

	phrase := strings.TrimSpace(*mnemonic)
	if phrase == "" {
		generated, err := identity.NewMnemonic()
		if err != nil {
			fail("generate mnemonic: %v", err)
		}
		phrase = generated
	}

	signer, err := identity.FromMnemonic(phrase)
	if err != nil {
		fail("derive key: %v", err)
	}

	material := keyMaterial{
		Address:  signer.Address().Hex(),
		WorkerID: signer.ID(),
	}
	if *outFile == "" {
		// No file requested: the phrase is shown once for the operator to
		// record and never written anywhere.
		material.Mnemonic = phrase
	} else {
		passphrase := os.Getenv(passphraseEnv)
		if strings.TrimSpace(passphrase) == "" {
			fail("set %s to write a seed file", passphraseEnv)
		}
		if err := identity.SaveSeed(*outFile, passphrase, phrase); err != nil {
			fail("write seed file: %v", err)
		}
		material.SeedFile = *outFile
	}

	payload, err := json.MarshalIndent(material, "", "  ")
	if err != nil {
		fail("encode key material: %v", err)
	}
	os.Stdout.Write(append(payload, '\n'))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
