package executorrunner

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandboxctl/control-plane/internal/model"
)

// generatedEntrypoints are the files writeWorkspaceFiles itself creates;
// they are execution plumbing, not user output, and are excluded from the
// artifact scan.
var generatedEntrypoints = map[string]bool{
	"user_code.py": true, "_wrapper.py": true,
	"user_code.js": true, "_wrapper.js": true,
	"user_code.sh": true,
}

// scanArtifacts implements spec §4.5 step 6: walk the workspace for
// non-hidden files left behind by the execution, with paths relative to
// the workspace root.
func scanArtifacts(workspacePath string) ([]model.ArtifactMetadata, error) {
	var artifacts []model.ArtifactMetadata

	err := filepath.Walk(workspacePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspacePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if model.IsHidden(rel) || generatedEntrypoints[rel] {
			return nil
		}

		checksum, err := checksumFile(path)
		if err != nil {
			return err
		}

		artifacts = append(artifacts, model.ArtifactMetadata{
			Path:      rel,
			SizeBytes: info.Size(),
			MimeType:  mimeTypeFor(rel),
			Kind:      artifactKind(rel),
			CreatedAt: info.ModTime(),
			Checksum:  checksum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func mimeTypeFor(relPath string) string {
	t := mime.TypeByExtension(filepath.Ext(relPath))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}

func artifactKind(relPath string) string {
	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg":
		return "image"
	case ".txt", ".log", ".md":
		return "text"
	case ".json", ".csv", ".parquet":
		return "data"
	default:
		return "file"
	}
}
