package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// runAPIKey implements `magnetar apikey`: it produces the bcrypt hash the
// server expects in auth.api_key_hash (or MAGNETAR_API_KEY_HASH). With
// --generate it mints a random key and prints it once; otherwise the key is
// read from the terminal without echoing.
func runAPIKey(args []string) error {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	generate := fs.Bool("generate", false, "generate a random key instead of prompting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var key string
	if *generate {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		key = base64.RawURLEncoding.EncodeToString(b)
	} else {
		var err error
		key, err = promptPassword("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptPassword("Confirm API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if key != confirm {
			return fmt.Errorf("keys do not match")
		}
	}
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	if *generate {
		fmt.Fprintf(os.Stderr, "API key (store it now, it is not shown again):\n")
		fmt.Println(key)
	}
	fmt.Fprintf(os.Stderr, "Hash for auth.api_key_hash / MAGNETAR_API_KEY_HASH:\n")
	fmt.Println(string(hash))
	return nil
}

// promptPassword reads a secret from the terminal without echoing.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
