// Package narinfo translates a stored archive manifest into the Nix
// binary-cache ".narinfo" text format and computes the fingerprint a
// server keypair signs over.
package narinfo

import (
	"fmt"
	"strings"

	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/signing"
)

// Info is the set of fields rendered into a .narinfo response.
type Info struct {
	StorePath   string
	URL         string
	Compression string
	NarHash     string
	NarSize     int64
	References  []string
	System      string
	CA          string
	Sig         string // empty until signed
}

// FromManifest builds an Info from a persisted manifest. Compression is
// always "none": the URL points at the server's reassembled, decompressed
// NAR stream, so the chunk-level compression used for storage is never
// visible to the client.
func FromManifest(m manifest.ArchiveManifest, storePathHash manifest.StorePathHash) Info {
	return Info{
		StorePath:   m.StorePath,
		URL:         fmt.Sprintf("nar/%s.nar", storePathHash),
		Compression: "none",
		NarHash:     m.NarHash.ToTypedBase32(),
		NarSize:     m.NarSize,
		References:  m.References,
		System:      m.System,
		CA:          m.CA,
	}
}

// Fingerprint computes the canonical string a keypair signs to attest to
// this narinfo: "1;{store_path};{nar_hash};{nar_size};{references}".
func (i Info) Fingerprint() string {
	return fmt.Sprintf("1;%s;%s;%d;%s", i.StorePath, i.NarHash, i.NarSize, strings.Join(i.References, ","))
}

// Sign attaches a Sig line computed over the fingerprint, if one isn't
// already present.
func (i Info) Sign(kp *signing.Keypair) Info {
	if i.Sig != "" {
		return i
	}
	i.Sig = kp.Sign([]byte(i.Fingerprint()))
	return i
}

// Encode renders i in Nix's "Key: value" narinfo text format.
func (i Info) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", i.StorePath)
	fmt.Fprintf(&b, "URL: %s\n", i.URL)
	fmt.Fprintf(&b, "Compression: %s\n", i.Compression)
	fmt.Fprintf(&b, "NarHash: %s\n", i.NarHash)
	fmt.Fprintf(&b, "NarSize: %d\n", i.NarSize)
	fmt.Fprintf(&b, "References: %s\n", strings.Join(i.References, " "))
	if i.System != "" {
		fmt.Fprintf(&b, "System: %s\n", i.System)
	}
	if i.CA != "" {
		fmt.Fprintf(&b, "CA: %s\n", i.CA)
	}
	if i.Sig != "" {
		fmt.Fprintf(&b, "Sig: %s\n", i.Sig)
	}
	return b.String()
}
