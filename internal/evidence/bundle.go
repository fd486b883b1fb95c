// Package evidence builds the exportable evidence bundle described in
// spec §4.3/§6: a deterministic archive of audit records, a chain
// verification report, a manifest snapshot, the gateway's public key
// history, and a signed manifest tying the contents together.
package evidence

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/UAPK/gateway-core/internal/audit"
	"github.com/UAPK/gateway-core/internal/auditstore"
	"github.com/UAPK/gateway-core/internal/canonical"
	"github.com/UAPK/gateway-core/internal/keys"
	"github.com/UAPK/gateway-core/internal/manifest"
	"github.com/UAPK/gateway-core/internal/manifeststore"
)

// fileEntry is one member of bundle_manifest.json: name, size, and content
// hash of a file inside the archive.
type fileEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

// bundleManifest is the canonical, signed index of an evidence bundle's
// contents. It deliberately carries no wall-clock timestamp: determinism
// requires that two exports of the same underlying data produce identical
// bytes.
type bundleManifest struct {
	OrgID       string      `json:"org_id"`
	UAPKID      string      `json:"uapk_id"`
	RecordCount int         `json:"record_count"`
	Files       []fileEntry `json:"files"`
}

// Exporter produces evidence bundles for one gateway signing identity.
type Exporter struct {
	Audit     auditstore.Store
	Manifests manifeststore.Store
	Gateway   *keys.KeyPair
}

// NewExporter constructs an Exporter over the given stores and signing key.
func NewExporter(auditStore auditstore.Store, manifestStore manifeststore.Store, gw *keys.KeyPair) *Exporter {
	return &Exporter{Audit: auditStore, Manifests: manifestStore, Gateway: gw}
}

// ExportBundle builds the tar+gzip evidence bundle for key, narrowed by
// filter, per spec §4.3/§6. Two calls against unchanged underlying data
// produce byte-identical output.
func (e *Exporter) ExportBundle(ctx context.Context, key auditstore.Key, filter *auditstore.Filter) ([]byte, error) {
	allRecords, err := e.Audit.ListRecords(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("evidence: list records: %w", err)
	}

	pubKeys := e.Gateway.History
	report := audit.VerifyChain(allRecords, pubKeys)

	exported := allRecords
	if filter != nil {
		exported = make([]audit.InteractionRecord, 0, len(allRecords))
		for _, r := range allRecords {
			if filterMatches(filter, r) {
				exported = append(exported, r)
			}
		}
	}

	recordsJSONL, err := marshalJSONL(exported)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal records.jsonl: %w", err)
	}

	reportJSON, err := canonical.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal verification_report.json: %w", err)
	}

	mKey := manifest.Key{OrgID: key.OrgID, UAPKID: key.UAPKID}
	snapshot, err := e.Manifests.GetActive(ctx, mKey)
	if err != nil && err != manifeststore.ErrNotFound {
		return nil, fmt.Errorf("evidence: get active manifest: %w", err)
	}
	var snapshotJSON []byte
	if snapshot != nil {
		snapshotJSON, err = canonical.Marshal(snapshot)
	} else {
		snapshotJSON, err = canonical.Marshal(map[string]interface{}{})
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal manifest_snapshot.json: %w", err)
	}

	pubKeysJSON, err := canonical.Marshal(encodePublicKeys(pubKeys))
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal gateway_public_keys.json: %w", err)
	}

	files := []fileEntry{
		{Name: "records.jsonl", Size: len(recordsJSONL), SHA256: sha256Hex(recordsJSONL)},
		{Name: "verification_report.json", Size: len(reportJSON), SHA256: sha256Hex(reportJSON)},
		{Name: "manifest_snapshot.json", Size: len(snapshotJSON), SHA256: sha256Hex(snapshotJSON)},
		{Name: "gateway_public_keys.json", Size: len(pubKeysJSON), SHA256: sha256Hex(pubKeysJSON)},
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	bm := bundleManifest{
		OrgID:       key.OrgID,
		UAPKID:      key.UAPKID,
		RecordCount: len(exported),
		Files:       files,
	}
	bundleManifestJSON, err := canonical.Marshal(bm)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal bundle_manifest.json: %w", err)
	}

	sig := e.Gateway.Sign(bundleManifestJSON)
	signatureText := []byte(hex.EncodeToString(sig) + "\n")

	return buildArchive([]archiveFile{
		{name: "records.jsonl", content: recordsJSONL},
		{name: "verification_report.json", content: reportJSON},
		{name: "manifest_snapshot.json", content: snapshotJSON},
		{name: "gateway_public_keys.json", content: pubKeysJSON},
		{name: "bundle_manifest.json", content: bundleManifestJSON},
		{name: "bundle_signature.txt", content: signatureText},
	})
}

func filterMatches(filter *auditstore.Filter, r audit.InteractionRecord) bool {
	if filter == nil || len(filter.ActionTypes) == 0 {
		return true
	}
	for _, t := range filter.ActionTypes {
		if t == r.ActionType {
			return true
		}
	}
	return false
}

func marshalJSONL(records []audit.InteractionRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func encodePublicKeys(pubKeys []ed25519.PublicKey) []string {
	out := make([]string, len(pubKeys))
	for i, pub := range pubKeys {
		out[i] = keys.EncodePublicKeyHex(pub)
	}
	return out
}

type archiveFile struct {
	name    string
	content []byte
}

// buildArchive writes files into a tar stream, gzip-compressed, in the
// order given, with zeroed timestamps and ownership so the resulting bytes
// depend only on file contents and names.
func buildArchive(files []archiveFile) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.ModTime = time.Time{}
	gw.OS = 255

	tw := tar.NewWriter(gw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.name,
			Mode:     0o644,
			Size:     int64(len(f.content)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("evidence: write tar header %s: %w", f.name, err)
		}
		if _, err := tw.Write(f.content); err != nil {
			return nil, fmt.Errorf("evidence: write tar content %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("evidence: close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("evidence: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
