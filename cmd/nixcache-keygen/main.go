// Command nixcache-keygen manages the cache's Ed25519 signing identity:
// generating a new keypair, showing the public half, and exporting it for
// distribution to clients (e.g. a NixOS `nix.settings.trusted-public-keys`
// entry).
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/quantarax/nixcache/internal/signing"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	case "export":
		exportCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("nixcache-keygen - signing key management for a nixcache server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nixcache-keygen generate [flags]  - generate a new signing keypair")
	fmt.Println("  nixcache-keygen show [flags]      - display the public key")
	fmt.Println("  nixcache-keygen export [flags]    - print the public key for distribution")
	fmt.Println()
	fmt.Println("Run 'nixcache-keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := newFlagSet("generate")
	name := fs.String("name", "cache", "cache identity name embedded in the key (e.g. \"cache.example.org-1\")")
	keyPath := fs.String("keystore", signing.DefaultKeystorePath(), "where to write the signing keystore file")
	noPassphrase := fs.Bool("no-passphrase", false, "store the key unencrypted (insecure, local dev only)")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	fs.Parse(args)

	existing := *keyPath
	if *noPassphrase {
		existing += ".insecure"
	}
	if !*force {
		if _, err := os.Stat(existing); err == nil {
			fmt.Fprintf(os.Stderr, "%s already exists; pass -force to overwrite\n", existing)
			os.Exit(1)
		}
	}

	kp, err := signing.Generate(*name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate keypair: %v\n", err)
		os.Exit(1)
	}

	passphrase := ""
	if !*noPassphrase {
		passphrase = readPassphrase()
	}

	if err := signing.SaveKeypair(kp, *keyPath, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save keystore: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signing keypair generated.")
	fmt.Println()
	fmt.Println("Public key (distribute this to clients):")
	fmt.Printf("  %s\n", kp.PublicKey().String())
	fmt.Println()
	written := *keyPath
	if passphrase == "" {
		written += ".insecure"
	}
	fmt.Printf("Keystore written to: %s\n", written)
	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: keystore is stored WITHOUT encryption")
	}
}

func showCmd(args []string) {
	fs := newFlagSet("show")
	keyPath := fs.String("keystore", signing.DefaultKeystorePath(), "keystore file to read")
	insecure := fs.Bool("insecure", false, "the keystore was generated with -no-passphrase")
	fs.Parse(args)

	path := *keyPath
	passphrase := ""
	if *insecure {
		path += ".insecure"
	} else {
		passphrase = readPassphrase()
	}

	kp, err := signing.LoadKeypair(path, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load keystore: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Public key:")
	fmt.Printf("  %s\n", kp.PublicKey().String())
}

func exportCmd(args []string) {
	fs := newFlagSet("export")
	keyPath := fs.String("keystore", signing.DefaultKeystorePath(), "keystore file to read")
	insecure := fs.Bool("insecure", false, "the keystore was generated with -no-passphrase")
	fs.Parse(args)

	path := *keyPath
	passphrase := ""
	if *insecure {
		path += ".insecure"
	} else {
		passphrase = readPassphrase()
	}

	kp, err := signing.LoadKeypair(path, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load keystore: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(kp.PublicKey().String())
}

func readPassphrase() string {
	fmt.Print("Enter passphrase: ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	return string(b)
}
