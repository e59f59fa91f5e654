package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"metabuilder/pkg/proto"
)

// CodecVersion is bumped when the on-disk bundle format changes.
const CodecVersion = 1

// bundleHeader is the first JSONL line of a serialized bundle.
type bundleHeader struct {
	Version    int       `json:"version"`
	BundleID   string    `json:"bundle_id"`
	RunID      string    `json:"run_id"`
	FinalState string    `json:"final_state"`
	Frozen     bool      `json:"frozen"`
	CreatedAt  time.Time `json:"created_at"`
	Entries    int       `json:"entries"`
}

// Serialize encodes a bundle as JSONL: a header line followed by one line
// per entry. The format round-trips through Deserialize.
func Serialize(bundle *proto.ReplayBundle) ([]byte, error) {
	var buf bytes.Buffer

	header := bundleHeader{
		Version:    CodecVersion,
		BundleID:   bundle.BundleID,
		RunID:      bundle.RunID,
		FinalState: bundle.FinalState,
		Frozen:     bundle.Frozen,
		CreatedAt:  bundle.CreatedAt,
		Entries:    len(bundle.Entries),
	}
	headerData, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize bundle header: %w", err)
	}
	buf.Write(headerData)
	buf.WriteByte('\n')

	for i := range bundle.Entries {
		entryData, err := json.Marshal(&bundle.Entries[i])
		if err != nil {
			return nil, fmt.Errorf("failed to serialize entry %d: %w", i, err)
		}
		buf.Write(entryData)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a JSONL bundle produced by Serialize.
func Deserialize(data []byte) (*proto.ReplayBundle, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("bundle data is empty")
	}
	var header bundleHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("failed to parse bundle header: %w", err)
	}
	if header.Version != CodecVersion {
		return nil, fmt.Errorf("unsupported bundle version %d (expected %d)", header.Version, CodecVersion)
	}

	bundle := &proto.ReplayBundle{
		BundleID:   header.BundleID,
		RunID:      header.RunID,
		FinalState: header.FinalState,
		Frozen:     header.Frozen,
		CreatedAt:  header.CreatedAt,
		Entries:    make([]proto.ReplayEntry, 0, header.Entries),
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry proto.ReplayEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("failed to parse entry %d: %w", len(bundle.Entries), err)
		}
		bundle.Entries = append(bundle.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bundle data: %w", err)
	}
	if len(bundle.Entries) != header.Entries {
		return nil, fmt.Errorf("bundle truncated: header declares %d entries, found %d",
			header.Entries, len(bundle.Entries))
	}
	return bundle, nil
}

// WriteBundleFile serializes a bundle to <dir>/bundle-<runID>.jsonl.
func WriteBundleFile(dir string, bundle *proto.ReplayBundle) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create bundle directory: %w", err)
	}
	data, err := Serialize(bundle)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("bundle-%s.jsonl", bundle.RunID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write bundle file %s: %w", path, err)
	}
	return path, nil
}

// ReadBundleFile loads a bundle from disk.
func ReadBundleFile(path string) (*proto.ReplayBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle file %s: %w", path, err)
	}
	return Deserialize(data)
}

// ListBundleFiles returns all bundle files in a directory.
func ListBundleFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "bundle-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list bundle files: %w", err)
	}
	return files, nil
}
