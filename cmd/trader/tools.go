package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"arbtrader/pkg/crypto"
)

// runTool выполняет вспомогательную команду. Значение читается из первой строки in.
//
//	echo -n 'password' | trader hash-password     -> OPERATOR_PASSWORD_HASH
//	echo -n 'secret' | trader encrypt-secret      -> enc:... для *_API_SECRET (нужен ENCRYPTION_KEY)
func runTool(name string, in io.Reader, out io.Writer) error {
	value, err := readLine(in)
	if err != nil {
		return err
	}

	switch name {
	case "hash-password":
		hash, err := crypto.HashPassword(value, crypto.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Fprintln(out, hash)
		return nil

	case "encrypt-secret":
		key := os.Getenv("ENCRYPTION_KEY")
		ciphertext, err := crypto.Encrypt(value, []byte(key))
		if err != nil {
			return fmt.Errorf("encrypt secret: %w", err)
		}
		fmt.Fprintln(out, crypto.EncryptedPrefix+ciphertext)
		return nil

	default:
		return fmt.Errorf("unknown command %q (supported: hash-password, encrypt-secret)", name)
	}
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
