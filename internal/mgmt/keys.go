// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mgmt holds the management access channel into test guests:
// the ed25519 key pair injected into guest images and the SSH client
// used to reach a booted guest through the forwarded port.
package mgmt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "management_key"
	publicKeyFile  = "management_key.pub"
	keyComment     = "vfiosetup-management"
)

// KeyPair holds the on-disk locations of the management key pair.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
}

// EnsureKeyPair returns the management key pair in keyDir, generating
// an ed25519 pair on first use. Existing keys are parsed before reuse
// so a corrupted pair fails loudly instead of producing unexplained
// authentication errors later.
func EnsureKeyPair(keyDir string) (*KeyPair, error) {
	pair := &KeyPair{
		PrivateKeyPath: filepath.Join(keyDir, privateKeyFile),
		PublicKeyPath:  filepath.Join(keyDir, publicKeyFile),
	}

	if fileExists(pair.PrivateKeyPath) && fileExists(pair.PublicKeyPath) {
		if err := validateKeyPair(pair); err != nil {
			return nil, fmt.Errorf(
				"existing keys are invalid: %w (remove them to regenerate)",
				err,
			)
		}

		return pair, nil
	}

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if err := generateKeyPair(pair); err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	return pair, nil
}

// PublicKeyLine returns the authorized_keys line for the pair, the
// form it is injected into guest images in.
func (p *KeyPair) PublicKeyLine() (string, error) {
	data, err := os.ReadFile(p.PublicKeyPath)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// Signer parses the private key for use with the SSH client.
func (p *KeyPair) Signer() (ssh.Signer, error) {
	data, err := os.ReadFile(p.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return signer, nil
}

func generateKeyPair(pair *KeyPair) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("convert public key: %w", err)
	}

	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey)))
	pubLine += " " + keyComment + "\n"

	privPEM, err := ssh.MarshalPrivateKey(privKey, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	err = os.WriteFile(pair.PrivateKeyPath, pem.EncodeToMemory(privPEM), 0o600)
	if err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	if err := os.WriteFile(pair.PublicKeyPath, []byte(pubLine), 0o644); err != nil {
		_ = os.Remove(pair.PrivateKeyPath)
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

func validateKeyPair(pair *KeyPair) error {
	if _, err := pair.Signer(); err != nil {
		return err
	}

	pubData, err := os.ReadFile(pair.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey(pubData); err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
